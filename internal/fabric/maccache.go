package fabric

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"etherweave.xyz/swfab/internal/eth"
)

// DefaultMacTTL ages out stations that have stayed silent.
const DefaultMacTTL = 5 * time.Minute

// MacCachePlugin is a core plugin implementing transparent bridging:
// it learns the source address of every frame against its ingress port
// and narrows the destination mask to the learned port for known
// unicast destinations. Unknown unicast, multicast, and broadcast
// still flood.
//
// Entries expire on a TTL so moved or unplugged stations recover
// without manual flushes.
type MacCachePlugin struct {
	cache *gocache.Cache
	learn bool
	miss  uint64
}

// NewMacCachePlugin creates the learning plugin and registers it with
// the core. A zero ttl selects DefaultMacTTL.
func NewMacCachePlugin(core *Core, ttl time.Duration) *MacCachePlugin {
	if ttl <= 0 {
		ttl = DefaultMacTTL
	}
	m := &MacCachePlugin{
		cache: gocache.New(ttl, ttl),
		learn: true,
	}
	core.AddPlugin(m)
	return m
}

// SetLearn pauses or resumes source learning. Routing of already
// learned stations is unaffected.
func (m *MacCachePlugin) SetLearn(enable bool) { m.learn = enable }

func macKey(mac eth.MACAddr) string {
	return strconv.FormatUint(mac.U64(), 16)
}

// Query learns the source station and routes known unicast
// destinations to their learned port. Frames with a group or zero
// source address are malformed and dropped.
func (m *MacCachePlugin) Query(pp *PluginPacket) {
	if !pp.Eth.Src.IsUnicast() {
		pp.Drop(DropBadFrame)
		return
	}
	if m.learn {
		// SetDefault also refreshes the TTL of a known station and
		// tracks a station moving between ports.
		m.cache.SetDefault(macKey(pp.Eth.Src), pp.SrcMask())
	}
	if !pp.Eth.Dst.IsUnicast() {
		return
	}
	if v, ok := m.cache.Get(macKey(pp.Eth.Dst)); ok {
		pp.DstMask &= v.(PortMask)
	} else {
		m.miss++
	}
}

// Lookup reports the learned port mask for a station, if any.
func (m *MacCachePlugin) Lookup(mac eth.MACAddr) (PortMask, bool) {
	if v, ok := m.cache.Get(macKey(mac)); ok {
		return v.(PortMask), true
	}
	return 0, false
}

// Learn installs a static-feeling entry (still subject to the TTL).
func (m *MacCachePlugin) Learn(mac eth.MACAddr, mask PortMask) {
	m.cache.SetDefault(macKey(mac), mask)
}

// Forget removes one station.
func (m *MacCachePlugin) Forget(mac eth.MACAddr) {
	m.cache.Delete(macKey(mac))
}

// Flush clears the whole table.
func (m *MacCachePlugin) Flush() {
	m.cache.Flush()
}

// Count reports the number of learned stations.
func (m *MacCachePlugin) Count() int {
	return m.cache.ItemCount()
}

// Misses reports the flooded unknown-unicast lookups so far.
func (m *MacCachePlugin) Misses() uint64 { return m.miss }

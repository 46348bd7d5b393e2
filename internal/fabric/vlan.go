package fabric

import (
	"time"

	"etherweave.xyz/swfab/internal/eth"
)

// Metadata word carrying the classified VLAN tag, written by the VLAN
// plugin at ingress and read by the egress tagger.
const metaVlanTag = 2

// vlanTick is the refill cadence of the per-VLAN rate limiters.
const vlanTick = 100 * time.Millisecond

// tokenBucket meters bytes per VLAN. Tokens refill once per tick and
// cap at the configured burst.
type tokenBucket struct {
	tokens int64
	refill int64 // tokens added per tick
	burst  int64
}

func (b *tokenBucket) consume(n int64) bool {
	if b.refill == 0 {
		return true // unmetered
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *tokenBucket) tick() {
	if b.refill == 0 {
		return
	}
	b.tokens += b.refill
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

type vlanEntry struct {
	mask PortMask
	rate tokenBucket
}

// VlanPlugin enforces 802.1Q policy as a core plugin: per-port tag
// admission, per-VID connectivity masks, and per-VID byte rate limits.
// Frames that pass are stamped with their classified tag so the egress
// tagger can apply the port's tag format.
type VlanPlugin struct {
	core  *Core
	table map[uint16]*vlanEntry

	// Open fabrics forward unknown VIDs everywhere; closed fabrics
	// drop them until the VID is configured.
	open bool
}

// NewVlanPlugin creates the VLAN policy plugin, registers it with the
// core, and starts the rate-limiter refill timer.
func NewVlanPlugin(core *Core, open bool) *VlanPlugin {
	v := &VlanPlugin{
		core:  core,
		table: make(map[uint16]*vlanEntry),
		open:  open,
	}
	core.AddPlugin(v)
	core.pool.Scheduler().TimerEvery(v, vlanTick)
	return v
}

// SetMask sets the connectivity mask for one VID: only member ports
// can send to or receive from the VLAN.
func (v *VlanPlugin) SetMask(vid uint16, mask PortMask) {
	v.entry(vid).mask = mask
}

// JoinPort adds a port to the VLAN.
func (v *VlanPlugin) JoinPort(vid uint16, p *Port) {
	v.entry(vid).mask |= p.mask
}

// LeavePort removes a port from the VLAN.
func (v *VlanPlugin) LeavePort(vid uint16, p *Port) {
	v.entry(vid).mask &^= p.mask
}

// SetRateLimit meters the VLAN to roughly bytesPerSec with the given
// burst allowance. Zero disables metering.
func (v *VlanPlugin) SetRateLimit(vid uint16, bytesPerSec, burst int64) {
	e := v.entry(vid)
	e.rate.refill = bytesPerSec * int64(vlanTick) / int64(time.Second)
	e.rate.burst = burst
	e.rate.tokens = burst
}

func (v *VlanPlugin) entry(vid uint16) *vlanEntry {
	e := v.table[vid]
	if e == nil {
		e = &vlanEntry{}
		v.table[vid] = e
	}
	return e
}

// TimerEvent refills every rate limiter by one tick.
func (v *VlanPlugin) TimerEvent() {
	for _, e := range v.table {
		e.rate.tick()
	}
}

// Query classifies the frame's VLAN, applies the port admission rule,
// narrows the destination mask to the VLAN's members, and charges the
// rate limiter.
func (v *VlanPlugin) Query(pp *PluginPacket) {
	cfg := pp.PortVlan()
	tag := pp.Eth.Tag

	switch cfg.Mode {
	case TagRestrict:
		if tag != 0 {
			pp.Drop(DropVlan)
			return
		}
	case TagPriority:
		if tag.VID() != 0 {
			pp.Drop(DropVlan)
			return
		}
	case TagMandatory:
		if tag.VID() == 0 {
			pp.Drop(DropVlan)
			return
		}
	}

	// Untagged and priority-tagged frames inherit the port default.
	if tag.VID() == 0 {
		tag = eth.Tag(tag.PCP(), tag.DEI(), cfg.Default.VID())
	}
	pp.Pkt.Meta[metaVlanTag] = uint32(tag)
	pp.Pkt.SetPriority(uint16(tag.PCP()))

	e := v.table[tag.VID()]
	if e == nil {
		if !v.open {
			pp.Drop(DropVlan)
		}
		return
	}
	if e.mask&pp.SrcMask() == 0 {
		pp.Drop(DropVlan)
		return
	}
	if !e.rate.consume(int64(pp.Length())) {
		pp.Drop(DropVlanRate)
		return
	}
	pp.DstMask &= e.mask
}

// TagFormat selects how a port emits VLAN tags.
type TagFormat uint8

const (
	TagUnmodified TagFormat = iota // forward tags as received
	TagUntagged                    // strip any tag on the way out
	TagTagged                      // emit the classified tag
)

// VlanTagger is a port plugin applying the port's egress tag format.
// It is the one plugin that may change the header length, so it runs
// only in the egress stage.
type VlanTagger struct {
	Format TagFormat
}

// NewVlanTagger attaches an egress tagger to the port.
func NewVlanTagger(p *Port, format TagFormat) *VlanTagger {
	t := &VlanTagger{Format: format}
	p.AddPlugin(t)
	return t
}

func (t *VlanTagger) Ingress(pp *PluginPacket) {}

func (t *VlanTagger) Egress(pp *PluginPacket) {
	switch t.Format {
	case TagUntagged:
		if pp.Eth.Tag != 0 {
			pp.Eth.Tag = 0
			pp.Adjust()
		}
	case TagTagged:
		want := eth.VlanTag(pp.Pkt.Meta[metaVlanTag])
		if want != 0 && pp.Eth.Tag != want {
			pp.Eth.Tag = want
			pp.Adjust()
		}
	}
}

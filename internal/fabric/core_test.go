package fabric

import (
	"testing"
	"time"

	"golang.org/x/net/bpf"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/mbuf"
	"etherweave.xyz/swfab/internal/poll"
)

// etypeTest is an experimental EtherType with no inner parse.
const etypeTest = layers.EthernetType(0x88B5)

var (
	macA = eth.MACAddr{0x02, 0, 0, 0, 0, 0x0A}
	macB = eth.MACAddr{0x02, 0, 0, 0, 0, 0x0B}
	macC = eth.MACAddr{0x02, 0, 0, 0, 0, 0x0C}
)

func newTestFabric(t *testing.T, names ...string) (*Core, *poll.Scheduler, map[string]*Port) {
	t.Helper()
	sched := poll.NewScheduler()
	pool := mbuf.NewPool(64*256, sched)
	core := NewCore(pool)
	ports := make(map[string]*Port, len(names))
	for _, name := range names {
		p, err := NewPort(core, name)
		require.NoError(t, err)
		ports[name] = p
	}
	return core, sched, ports
}

func buildFrame(dst, src eth.MACAddr, tag eth.VlanTag, etype layers.EthernetType, payload int) []byte {
	h := eth.Header{Dst: dst, Src: src, Type: etype, Tag: tag}
	raw := h.AppendTo(nil)
	for i := 0; i < payload; i++ {
		raw = append(raw, byte(i))
	}
	return raw
}

func inject(t *testing.T, sched *poll.Scheduler, p *Port, data []byte) {
	t.Helper()
	p.WriteBytes(data)
	require.True(t, p.WriteFinalize())
	sched.ServiceAll(0)
}

// readEgress pops one frame off the port's egress queue, or nil.
func readEgress(t *testing.T, p *Port) []byte {
	t.Helper()
	eg := p.Egress()
	pkt := eg.Packet()
	if pkt == nil {
		return nil
	}
	data := make([]byte, pkt.Length())
	require.True(t, eg.ReadBytes(data))
	eg.ReadFinalize()
	return data
}

func drainAll(t *testing.T, core *Core) {
	t.Helper()
	for _, p := range core.Ports() {
		for readEgress(t, p) != nil {
		}
	}
}

func TestBroadcastFloodsAllButSource(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	initial := core.Pool().FreeBytes()

	frame := buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 40)
	inject(t, sched, ports["a"], frame)

	assert.Nil(t, ports["a"].Egress().Packet(), "source port must not hear its own frame")
	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.Equal(t, frame, readEgress(t, ports["c"]))

	assert.Equal(t, initial, core.Pool().FreeBytes())
	assert.True(t, core.Pool().Consistency())
}

func TestMacLearningDirectsKnownUnicast(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	cache := NewMacCachePlugin(core, time.Minute)

	// B announces itself: floods, and the fabric learns B on port b.
	inject(t, sched, ports["b"], buildFrame(eth.BroadcastMAC, macB, 0, etypeTest, 20))
	drainAll(t, core)
	mask, ok := cache.Lookup(macB)
	require.True(t, ok)
	assert.Equal(t, ports["b"].Mask(), mask)

	// A known unicast destination no longer floods.
	frame := buildFrame(macB, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)
	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.Nil(t, ports["c"].Egress().Packet())

	assert.Equal(t, 2, cache.Count(), "both stations learned")
	assert.True(t, core.Pool().Consistency())
}

func TestMacCacheDropsGroupSource(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	NewMacCachePlugin(core, time.Minute)

	inject(t, sched, ports["a"], buildFrame(macB, eth.BroadcastMAC, 0, etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet())
}

func TestMacCacheLearnDisabled(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	cache := NewMacCachePlugin(core, time.Minute)
	cache.SetLearn(false)

	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))
	drainAll(t, core)
	_, ok := cache.Lookup(macA)
	assert.False(t, ok)
}

func TestVlanPCPSetsPriority(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	NewVlanPlugin(core, true)

	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, eth.Tag(5, false, 7), etypeTest, 20))
	pkt := ports["b"].Egress().Packet()
	require.NotNil(t, pkt)
	assert.Equal(t, uint16(5), pkt.Priority())
	readEgress(t, ports["b"])
}

func TestUnknownUnicastFloods(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	cache := NewMacCachePlugin(core, time.Minute)

	frame := buildFrame(macC, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)
	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.EqualValues(t, 1, cache.Misses())
}

func TestLinkLocalDropped(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	initial := core.Pool().FreeBytes()

	stp := eth.MACAddr{0x01, 0x80, 0xC2, 0, 0, 0x00}
	inject(t, sched, ports["a"], buildFrame(stp, macA, 0, etypeTest, 20))

	assert.Nil(t, ports["b"].Egress().Packet())
	assert.Equal(t, initial, core.Pool().FreeBytes())
}

func TestNoLoopbackToSource(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	cache := NewMacCachePlugin(core, time.Minute)
	cache.Learn(macA, ports["a"].Mask())
	initial := core.Pool().FreeBytes()

	// The only learned destination is the source port itself.
	inject(t, sched, ports["a"], buildFrame(macA, macB, 0, etypeTest, 20))

	assert.Nil(t, ports["a"].Egress().Packet())
	assert.Nil(t, ports["b"].Egress().Packet())
	assert.Equal(t, initial, core.Pool().FreeBytes())
}

func TestPromiscuousPortTapsDirectedTraffic(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "monitor")
	cache := NewMacCachePlugin(core, time.Minute)
	cache.Learn(macB, ports["b"].Mask())
	core.SetPromiscuous(ports["monitor"], true)

	frame := buildFrame(macB, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)

	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.Equal(t, frame, readEgress(t, ports["monitor"]))
	assert.True(t, core.Pool().Consistency())
}

func TestTrafficFilterCounts(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	core.SetTrafficFilter(uint16(etypeTest))

	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))
	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))
	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, layers.EthernetType(0x88B6), 20))

	assert.EqualValues(t, 2, core.TrafficCount())
	assert.EqualValues(t, 0, core.TrafficCount(), "reading resets the counter")
	drainAll(t, core)
}

// divertTap claims every packet for itself and frees it, standing in
// for a plugin that consumes traffic out of band.
type divertTap struct {
	pool *mbuf.Pool
	pkts int
}

func (d *divertTap) Query(pp *PluginPacket) {
	d.pkts++
	pp.Divert()
	d.pool.FreePacket(pp.Pkt)
}

func TestDivertTransfersOwnership(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	tap := &divertTap{pool: core.Pool()}
	core.AddPlugin(tap)
	initial := core.Pool().FreeBytes()

	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))

	assert.Equal(t, 1, tap.pkts)
	assert.Nil(t, ports["b"].Egress().Packet(), "diverted packet never reaches egress")
	assert.Equal(t, initial, core.Pool().FreeBytes(), "diverting plugin freed its reference")
	assert.True(t, core.Pool().Consistency())
}

type dstRewriter struct{ to eth.MACAddr }

func (r *dstRewriter) Query(pp *PluginPacket) {
	pp.Eth.Dst = r.to
	pp.Adjust()
}

func TestCoreAdjustRewritesInPlace(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	core.AddPlugin(&dstRewriter{to: macC})

	frame := buildFrame(macB, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)

	// The rewrite lands before fan-out, so every copy shows it.
	for _, name := range []string{"b", "c"} {
		out := readEgress(t, ports[name])
		require.NotNil(t, out)
		assert.Equal(t, macC[:], out[0:6])
		assert.Equal(t, frame[6:], out[6:])
	}
	assert.True(t, core.Pool().Consistency())
}

type srcRewriter struct{ to eth.MACAddr }

func (r *srcRewriter) Ingress(pp *PluginPacket) {}

func (r *srcRewriter) Egress(pp *PluginPacket) {
	pp.Eth.Src = r.to
	pp.Adjust()
}

func TestEgressAdjustSameLengthRewritesInPlace(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	ports["b"].AddPlugin(&srcRewriter{to: macC})
	initial := core.Pool().FreeBytes()

	frame := buildFrame(macB, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)

	out := readEgress(t, ports["b"])
	require.NotNil(t, out)
	assert.Len(t, out, len(frame))
	assert.Equal(t, frame[:6], out[:6])
	assert.Equal(t, macC[:], out[6:12])
	assert.Equal(t, frame[12:], out[12:])
	assert.Equal(t, initial, core.Pool().FreeBytes())
	assert.True(t, core.Pool().Consistency())
}

func TestVlanMembership(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	v := NewVlanPlugin(core, false)
	v.JoinPort(10, ports["a"])
	v.JoinPort(10, ports["b"])

	// Tagged frame on a configured VLAN reaches members only.
	frame := buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 10), etypeTest, 20)
	inject(t, sched, ports["a"], frame)
	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.Nil(t, ports["c"].Egress().Packet())

	// Unknown VID drops in a closed fabric.
	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 99), etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet())

	// Non-member source drops even on a configured VLAN.
	inject(t, sched, ports["c"], buildFrame(eth.BroadcastMAC, macC, eth.Tag(0, false, 10), etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet())
	assert.True(t, core.Pool().Consistency())
}

func TestVlanAdmissionModes(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	NewVlanPlugin(core, true)

	ports["a"].SetVlanConfig(VlanConfig{Mode: TagMandatory})
	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet(), "mandatory mode rejects untagged")

	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 5), etypeTest, 20))
	assert.NotNil(t, readEgress(t, ports["b"]))

	ports["a"].SetVlanConfig(VlanConfig{Mode: TagRestrict})
	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 5), etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet(), "restrict mode rejects tagged")
}

func TestVlanRateLimit(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	clkNow := time.Unix(2000, 0)
	sched.SetClock(func() time.Time { return clkNow })

	v := NewVlanPlugin(core, false)
	v.JoinPort(10, ports["a"])
	v.JoinPort(10, ports["b"])
	v.SetRateLimit(10, 1000, 150) // two 58-byte frames per burst

	frame := buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 10), etypeTest, 40)

	inject(t, sched, ports["a"], frame)
	assert.NotNil(t, readEgress(t, ports["b"]), "first frame within burst")

	inject(t, sched, ports["a"], frame)
	inject(t, sched, ports["a"], frame)
	assert.NotNil(t, readEgress(t, ports["b"]))
	assert.Nil(t, ports["b"].Egress().Packet(), "burst exhausted")

	// Refill restores forwarding.
	for i := 0; i < 3; i++ {
		clkNow = clkNow.Add(vlanTick + time.Millisecond)
		sched.Service()
	}
	inject(t, sched, ports["a"], frame)
	assert.NotNil(t, readEgress(t, ports["b"]))
}

func TestVlanTaggerStripsOnEgress(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	v := NewVlanPlugin(core, false)
	v.JoinPort(10, ports["a"])
	v.JoinPort(10, ports["b"])
	NewVlanTagger(ports["b"], TagUntagged)
	initial := core.Pool().FreeBytes()

	tagged := buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 10), etypeTest, 20)
	inject(t, sched, ports["a"], tagged)

	out := readEgress(t, ports["b"])
	require.NotNil(t, out)
	assert.Len(t, out, len(tagged)-eth.VlanTagLen)
	assert.Equal(t, tagged[:12], out[:12], "addresses unchanged")
	assert.Equal(t, tagged[eth.EthLen+eth.VlanTagLen:], out[eth.EthLen:], "payload unchanged")

	assert.Equal(t, initial, core.Pool().FreeBytes())
	assert.True(t, core.Pool().Consistency())
}

func TestVlanTaggerInsertsOnEgress(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	NewVlanPlugin(core, true)
	ports["a"].SetVlanConfig(VlanConfig{Default: eth.Tag(0, false, 20)})
	NewVlanTagger(ports["b"], TagTagged)

	untagged := buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], untagged)

	out := readEgress(t, ports["b"])
	require.NotNil(t, out)
	assert.Len(t, out, len(untagged)+eth.VlanTagLen)

	// The emitted frame carries the port default VID.
	pool := mbuf.NewPool(64*8, poll.NewScheduler())
	w := mbuf.NewWriter(pool)
	w.WriteBytes(out)
	pkt := w.WriteFinalize()
	require.NotNil(t, pkt)
	f, err := eth.ParseFrame(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(20), f.Eth.Tag.VID())
	assert.Equal(t, etypeTest, f.Eth.Type)
}

func TestPriorityTagZeroTCIRewrite(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	NewVlanPlugin(core, true)
	ports["a"].SetVlanConfig(VlanConfig{Default: eth.Tag(0, false, 20)})
	NewVlanTagger(ports["b"], TagTagged)

	// Explicit 802.1Q tag with an all-zero TCI: legal on the wire,
	// indistinguishable from untagged once parsed.
	raw := append([]byte{}, eth.BroadcastMAC[:]...)
	raw = append(raw, macA[:]...)
	raw = append(raw, 0x81, 0x00, 0x00, 0x00, 0x88, 0xB5)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw = append(raw, payload...)
	inject(t, sched, ports["a"], raw)

	out := readEgress(t, ports["b"])
	require.NotNil(t, out)
	require.Len(t, out, len(raw))
	assert.Equal(t, raw[:14], out[:14], "addresses and TPID unchanged")
	assert.Equal(t, []byte{0x00, 0x14}, out[14:16], "TCI carries the classified tag")
	assert.Equal(t, []byte{0x88, 0xB5}, out[16:18])
	assert.Equal(t, payload, out[18:])
	assert.True(t, core.Pool().Consistency())
}

func TestRepackagedCopyStampsArrival(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	v := NewVlanPlugin(core, false)
	for _, p := range ports {
		v.JoinPort(10, p)
	}
	NewVlanTagger(ports["b"], TagUntagged)

	inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, eth.Tag(0, false, 10), etypeTest, 20))

	// Port b holds a stripped per-port copy, which must still carry a
	// fresh arrival counter for the age tie-break.
	pkt := ports["b"].Egress().Packet()
	require.NotNil(t, pkt)
	assert.NotZero(t, pkt.Seq())
	assert.Equal(t, core.Pool().Seq(), pkt.Seq())
	drainAll(t, core)
	assert.True(t, core.Pool().Consistency())
}

func TestBPFFilterDropsNonMatching(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")

	// Keep only ARP frames.
	filter, err := NewBPFFilter([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.EthernetTypeARP), SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xFFFF},
	})
	require.NoError(t, err)
	core.AddPlugin(filter)

	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))
	assert.Nil(t, ports["b"].Egress().Packet())

	arp := buildFrame(eth.BroadcastMAC, macA, 0, layers.EthernetTypeARP, eth.ARPLen)
	inject(t, sched, ports["a"], arp)
	assert.NotNil(t, readEgress(t, ports["b"]))
}

type recordingHandler struct {
	records []Record
}

func (h *recordingHandler) HandleRecord(r *Record) {
	h.records = append(h.records, *r)
}

func TestSwitchLogRecords(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b")
	rec := &recordingHandler{}
	l := NewLog(sched)
	l.AddHandler(rec)
	core.SetLog(l)

	inject(t, sched, ports["a"], buildFrame(macB, macA, 0, etypeTest, 20))
	drainAll(t, core)

	stp := eth.MACAddr{0x01, 0x80, 0xC2, 0, 0, 0x00}
	inject(t, sched, ports["a"], buildFrame(stp, macA, 0, etypeTest, 20))
	sched.ServiceAll(0)

	require.Len(t, rec.records, 2)
	keep := rec.records[0]
	assert.Equal(t, ReasonKeep, keep.Reason)
	assert.Equal(t, macA, keep.Src)
	assert.Equal(t, ports["b"].Mask(), keep.DstMask)
	assert.Equal(t, uint8(ports["a"].Index()), keep.SrcPort)

	drop := rec.records[1]
	assert.Equal(t, DropLinkLocal, drop.Reason)
	assert.Equal(t, stp, drop.Dst)
}

func TestRecordBinaryEncoding(t *testing.T) {
	r := Record{
		Dst:     macB,
		Src:     macA,
		Type:    uint16(etypeTest),
		Vlan:    eth.Tag(1, false, 33),
		Length:  64,
		SrcPort: 2,
		Reason:  DropVlan,
		DstMask: 0x0000000C,
	}
	raw := r.AppendTo(nil)
	require.Len(t, raw, RecordLen)
	assert.Equal(t, macB[:], raw[0:6])
	assert.Equal(t, macA[:], raw[6:12])
	assert.Equal(t, byte(2), raw[18])
	assert.Equal(t, byte(DropVlan), raw[19])
}

func TestPortMaskAssignment(t *testing.T) {
	core, _, ports := newTestFabric(t, "a", "b", "c")
	assert.Equal(t, PortMask(1), ports["a"].Mask())
	assert.Equal(t, PortMask(2), ports["b"].Mask())
	assert.Equal(t, PortMask(4), ports["c"].Mask())

	// A removed port's mask bit is reused.
	core.RemovePort(ports["b"])
	p, err := NewPort(core, "d")
	require.NoError(t, err)
	assert.Equal(t, PortMask(2), p.Mask())
	assert.Equal(t, 3, core.PortCount())
}

func TestRemovePortStopsDelivery(t *testing.T) {
	core, sched, ports := newTestFabric(t, "a", "b", "c")
	removed := ports["c"]
	core.RemovePort(removed)

	frame := buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 20)
	inject(t, sched, ports["a"], frame)

	assert.Equal(t, frame, readEgress(t, ports["b"]))
	assert.Nil(t, removed.Egress().Packet())
	assert.True(t, core.Pool().Consistency())
}

func TestPortOverflow(t *testing.T) {
	sched := poll.NewScheduler()
	pool := mbuf.NewPool(64*64, sched)
	core := NewCore(pool)
	for i := 0; i < 32; i++ {
		_, err := NewPort(core, "p")
		require.NoError(t, err)
	}
	_, err := NewPort(core, "one-too-many")
	assert.ErrorIs(t, err, ErrPortOverflow)
}

func TestEgressOverflowDropsForThatPortOnly(t *testing.T) {
	_, sched, ports := newTestFabric(t, "a", "b", "c")

	// Fill port b's queue (one active plus QueueDepth queued).
	for i := 0; i <= mbuf.QueueDepth; i++ {
		inject(t, sched, ports["a"], buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 10))
		_ = readEgress(t, ports["c"])
	}
	assert.False(t, ports["b"].Egress().CanAccept())

	// The next frame still reaches port c.
	frame := buildFrame(eth.BroadcastMAC, macA, 0, etypeTest, 10)
	inject(t, sched, ports["a"], frame)
	assert.Equal(t, frame, readEgress(t, ports["c"]))
}

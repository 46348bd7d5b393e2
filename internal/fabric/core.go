package fabric

import (
	"math/bits"

	"github.com/sirupsen/logrus"

	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/log"
	"etherweave.xyz/swfab/internal/mbuf"
	"etherweave.xyz/swfab/internal/metrics"
)

// Core is the switch fabric. It installs itself as the pool's delivery
// policy: every finished ingress packet is parsed, run through the
// plugin pipeline, and offered to the egress queue of each port left in
// the destination mask.
//
// All delivery work runs on the pool's scheduler, so plugin callbacks
// never race each other.
type Core struct {
	pool    *mbuf.Pool
	ports   []*Port
	plugins []CorePlugin

	usedMask PortMask // mask bits handed out, live or not
	liveMask PortMask // mask bits of registered ports
	promisc  PortMask // ports that receive all delivered traffic

	filterType  uint16 // EtherType tapped by the traffic counter
	filterCount uint32

	slog   *Log
	logger *logrus.Entry
}

// NewCore creates a switch fabric over the pool and takes over its
// delivery policy.
func NewCore(pool *mbuf.Pool) *Core {
	c := &Core{
		pool:   pool,
		logger: log.GetLogger("fabric"),
	}
	pool.SetDeliver(c.deliver)
	return c
}

// Pool returns the underlying packet pool.
func (c *Core) Pool() *mbuf.Pool { return c.pool }

// AddPlugin appends a core plugin; Query fires in registration order.
func (c *Core) AddPlugin(pl CorePlugin) {
	c.plugins = append(c.plugins, pl)
}

// Ports returns the registered ports in creation order.
func (c *Core) Ports() []*Port { return c.ports }

// PortCount reports the number of registered ports.
func (c *Core) PortCount() int { return len(c.ports) }

// RemovePort detaches a port, flushing its egress queue and returning
// its mask bit for reuse.
func (c *Core) RemovePort(p *Port) {
	for i, q := range c.ports {
		if q == p {
			c.ports = append(c.ports[:i], c.ports[i+1:]...)
			break
		}
	}
	c.liveMask &^= p.mask
	c.usedMask &^= p.mask
	p.egress.Flush()
	p.egress.Detach()
	p.WriteAbort()
}

// SetPromiscuous marks a port to receive a copy of every delivered
// packet regardless of the plugin verdict.
func (c *Core) SetPromiscuous(p *Port, enable bool) {
	if enable {
		c.promisc |= p.mask
	} else {
		c.promisc &^= p.mask
	}
}

// SetTrafficFilter restricts the traffic counter to one EtherType.
// Zero counts every frame. Changing the filter resets the count.
func (c *Core) SetTrafficFilter(etype uint16) {
	c.filterType = etype
	c.filterCount = 0
}

// TrafficCount reads and resets the traffic counter.
func (c *Core) TrafficCount() uint32 {
	n := c.filterCount
	c.filterCount = 0
	return n
}

// SetLog installs the delivery event log. Pass nil to disable.
func (c *Core) SetLog(l *Log) { c.slog = l }

func (c *Core) nextPortMask() PortMask {
	for i := 0; i < 32; i++ {
		m := PortMask(1) << i
		if c.usedMask&m == 0 {
			c.usedMask |= m
			return m
		}
	}
	return 0
}

func (c *Core) portAdd(p *Port) {
	c.ports = append(c.ports, p)
	c.liveMask |= p.mask
}

// PortByName finds a registered port by its configured name.
func (c *Core) PortByName(name string) *Port {
	for _, p := range c.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (c *Core) portByIndex(idx int) *Port {
	for _, p := range c.ports {
		if p.index == idx {
			return p
		}
	}
	return nil
}

func (c *Core) portName(idx int) string {
	if p := c.portByIndex(idx); p != nil {
		return p.name
	}
	return "unknown"
}

// deliver routes one finished ingress packet and returns the number of
// egress queues that accepted it. Zero means the caller frees the
// packet; a diverting plugin owns the single reference and reports 1.
func (c *Core) deliver(pkt *mbuf.Packet) int {
	pp := PluginPacket{Pkt: pkt, DstMask: MaskAll}

	f, err := eth.ParseFrame(pkt)
	pp.Frame = f
	pp.hlen = f.EthHeaderLen()
	if err != nil {
		pp.Drop(DropBadFrame)
		return c.dropped(&pp)
	}

	metrics.IngressFrames.WithLabelValues(c.portName(pp.SrcPort())).Inc()
	if c.filterType == 0 || uint16(f.Eth.Type) == c.filterType {
		c.filterCount++
	}

	// Reserved link-local control traffic is never forwarded.
	if f.Eth.Dst.IsLinkLocal() {
		pp.Drop(DropLinkLocal)
		return c.dropped(&pp)
	}

	src := c.portByIndex(pp.SrcPort())
	if src == nil {
		pp.Drop(DropDisabled)
		return c.dropped(&pp)
	}

	for _, pl := range src.plugins {
		pl.Ingress(&pp)
		if pp.IsDiverted() {
			return 1
		}
		if pp.DstMask == 0 {
			return c.dropped(&pp)
		}
	}
	for _, pl := range c.plugins {
		pl.Query(&pp)
		if pp.IsDiverted() {
			return 1
		}
		if pp.DstMask == 0 {
			return c.dropped(&pp)
		}
	}

	// Ingress and core plugins may only adjust fields in place; a
	// header length change is reserved for the egress stage.
	if pp.IsAdjusted() {
		if pp.Eth.HeaderLen() != pp.hlen {
			c.logger.Warn("illegal header length change before egress stage")
			pp.Drop(DropUnknown)
			return c.dropped(&pp)
		}
		c.rewriteInPlace(pkt, &pp.Eth)
		pp.flags &^= flagAdjust
	}

	// Promiscuous ports are added after the plugin verdict; the source
	// port never hears its own traffic back.
	mask := (pp.DstMask | c.promisc) &^ pp.SrcMask()
	mask &= c.liveMask
	if mask == 0 {
		pp.Drop(DropNoRoute)
		return c.dropped(&pp)
	}

	multi := bits.OnesCount32(uint32(mask)) > 1
	count := 0
	for _, dst := range c.ports {
		if mask&dst.mask == 0 {
			continue
		}
		accepted := c.egressOne(&pp, dst, multi, &count)
		if !accepted {
			mask &^= dst.mask
		}
	}
	// Per-port rejections were already recorded; when every port
	// rejected there is nothing left to log here.
	if mask == 0 {
		return count
	}

	metrics.DeliveredFrames.Inc()
	if c.slog != nil {
		c.slog.Keep(&pp.Frame, pp.SrcPort(), mask)
	}
	return count
}

// egressOne runs one destination port's egress plugins and offers the
// packet, rewriting or repackaging the headers if a plugin adjusted
// them. Reports whether the port took a copy; count tracks acceptances
// of the original packet only.
func (c *Core) egressOne(pp *PluginPacket, dst *Port, multi bool, count *int) bool {
	epp := *pp
	epp.DstMask = dst.mask
	for _, pl := range dst.plugins {
		pl.Egress(&epp)
		if epp.DstMask == 0 {
			if epp.Reason() == ReasonKeep {
				epp.Drop(DropFiltered)
			}
			c.dropped(&epp)
			return false
		}
	}

	if !epp.IsAdjusted() {
		if dst.egress.Accept(pp.Pkt) {
			*count++
			return true
		}
		epp.Drop(DropOverflow)
		c.dropped(&epp)
		return false
	}

	// An in-place rewrite is only safe when no other port shares the
	// packet bytes and the header length is unchanged.
	if !multi && epp.Eth.HeaderLen() == pp.hlen {
		c.rewriteInPlace(pp.Pkt, &epp.Eth)
		if dst.egress.Accept(pp.Pkt) {
			*count++
			return true
		}
		epp.Drop(DropOverflow)
		c.dropped(&epp)
		return false
	}

	cp := c.repackage(dst, &epp)
	if cp == nil || !dst.egress.Accept(cp) {
		if cp != nil {
			c.pool.FreePacket(cp)
		}
		epp.Drop(DropOverflow)
		c.dropped(&epp)
		return false
	}
	return true
}

// rewriteInPlace overwrites the packet's Ethernet header bytes with the
// adjusted copy. Lengths must already match.
func (c *Core) rewriteInPlace(pkt *mbuf.Packet, hdr *eth.Header) {
	buf := hdr.AppendTo(make([]byte, 0, eth.EthLen+eth.VlanTagLen))
	ow := pkt.NewOverwriter()
	ow.WriteBytes(buf)
}

// repackage builds a per-port copy of the packet with the adjusted
// Ethernet header, used when the tag rewrite changes the header length
// or when other ports still share the original bytes.
func (c *Core) repackage(dst *Port, epp *PluginPacket) *mbuf.Packet {
	w := dst.repack
	hdr := epp.Eth.AppendTo(make([]byte, 0, eth.EthLen+eth.VlanTagLen))
	w.WriteBytes(hdr)

	rd := epp.Pkt.NewReader()
	rd.ReadConsume(epp.hlen)
	var buf [mbuf.ChunkBytes]byte
	for rd.ReadReady() > 0 {
		n := rd.ReadReady()
		if n > len(buf) {
			n = len(buf)
		}
		rd.ReadBytes(buf[:n])
		w.WriteBytes(buf[:n])
	}

	cp := w.WriteFinalize()
	if cp == nil {
		return nil
	}
	c.pool.Stamp(cp)
	cp.SetPriority(epp.Pkt.Priority())
	cp.Meta = epp.Pkt.Meta
	return cp
}

// dropped records a drop verdict in the metrics and the event log.
// Always returns 0 so callers can tail-call it.
func (c *Core) dropped(pp *PluginPacket) int {
	why := pp.Reason()
	if why == ReasonKeep {
		why = DropNoRoute
	}
	metrics.DroppedFrames.WithLabelValues(why.String()).Inc()
	if c.slog != nil {
		c.slog.Drop(&pp.Frame, pp.SrcPort(), why)
	}
	c.logger.WithFields(logrus.Fields{
		"src":    c.portName(pp.SrcPort()),
		"dst":    pp.Eth.Dst.String(),
		"reason": why.String(),
	}).Debug("packet dropped")
	return 0
}

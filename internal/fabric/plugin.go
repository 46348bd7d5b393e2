package fabric

import (
	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/mbuf"
)

// Packet metadata word assignments, stamped by Port.WriteFinalize.
const (
	metaSrcPort = 0 // source port index
	metaVlanCfg = 1 // source port's VLAN tag policy word
)

const (
	flagDivert uint16 = 1 << 8
	flagAdjust uint16 = 1 << 9
)

// PluginPacket is the ephemeral view handed to every plugin callback:
// the live packet plus parsed header copies, the destination mask, and
// status flags. It lives on the stack for the duration of one delivery
// and is never stored.
//
// Plugins may only narrow DstMask (bitwise AND with its prior value),
// never widen it.
type PluginPacket struct {
	Pkt *mbuf.Packet
	eth.Frame

	// DstMask selects the ports eligible to receive this packet,
	// initialized to all-ports.
	DstMask PortMask

	hlen  int // original header stack length
	flags uint16
}

// Adjust notifies the core that header fields were modified in place.
// The core rewrites the packet bytes before any consumer reads them.
// Changes that alter total header length are only legal from a port
// plugin's Egress stage.
func (p *PluginPacket) Adjust() { p.flags |= flagAdjust }

// Divert claims the packet for exclusive use by the plugin, skipping
// all remaining plugins and normal delivery. The plugin takes over the
// packet's single reference and must eventually free or re-enqueue it.
func (p *PluginPacket) Divert() { p.flags |= flagDivert }

// Drop zeroes the destination mask and records why.
func (p *PluginPacket) Drop(why Reason) {
	p.DstMask = 0
	p.flags = (p.flags &^ 0xFF) | uint16(why)
}

// IsAdjusted reports whether a plugin flagged a header change.
func (p *PluginPacket) IsAdjusted() bool { return p.flags&flagAdjust != 0 }

// IsDiverted reports whether a plugin claimed the packet.
func (p *PluginPacket) IsDiverted() bool { return p.flags&flagDivert != 0 }

// Reason reports the drop reason recorded by Drop, if any.
func (p *PluginPacket) Reason() Reason { return Reason(p.flags & 0xFF) }

// Length reports the packet's total byte count.
func (p *PluginPacket) Length() int { return p.Pkt.Length() }

// SrcPort reports the ingress port index stamped at finalize time.
func (p *PluginPacket) SrcPort() int { return int(p.Pkt.Meta[metaSrcPort]) }

// SrcMask reports the ingress port as a mask bit.
func (p *PluginPacket) SrcMask() PortMask { return IndexToMask(p.SrcPort()) }

// PortVlan reports the ingress port's VLAN tag policy.
func (p *PluginPacket) PortVlan() VlanConfig {
	return vlanConfigFromWord(p.Pkt.Meta[metaVlanCfg])
}

// CorePlugin is attached to the switch core and queried for every
// packet crossing the switch, in registration order.
type CorePlugin interface {
	Query(*PluginPacket)
}

// PortPlugin is attached to one port. Ingress fires as a packet enters
// the port, before any core plugin; Egress fires as the packet is about
// to leave the port, and is the only stage allowed to change total
// header length (e.g. inserting or stripping a VLAN tag).
type PortPlugin interface {
	Ingress(*PluginPacket)
	Egress(*PluginPacket)
}

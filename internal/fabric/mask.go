// Package fabric implements the plugin-driven Ethernet switch built on
// the mbuf packet pool: header parsing, an ordered chain of inspection
// plugins, destination-mask routing, and per-port egress queuing.
package fabric

// PortMask selects egress ports, one bit per port index. The mask
// width bounds the switch at 32 ports.
type PortMask uint32

const (
	// MaskAll addresses every port (broadcast).
	MaskAll PortMask = ^PortMask(0)
	// MaskNone addresses no ports (drop).
	MaskNone PortMask = 0
)

// IndexToMask converts a port index to its mask bit.
func IndexToMask(idx int) PortMask {
	if idx < 0 || idx >= 32 {
		return 0
	}
	return PortMask(1) << idx
}

// Reason codes why a packet was dropped, recorded in the switch log.
type Reason uint8

const (
	ReasonKeep     Reason = 0x00 // delivered, not dropped
	DropOverflow   Reason = 0x01 // ingress or egress queue overflow
	DropBadFCS     Reason = 0x02 // invalid frame check sequence
	DropBadFrame   Reason = 0x03 // truncated or malformed headers
	DropLinkLocal  Reason = 0x04 // reserved link-local destination
	DropVlan       Reason = 0x05 // VLAN connectivity policy
	DropVlanRate   Reason = 0x06 // VLAN rate limit
	DropNoRoute    Reason = 0x08 // no eligible destination port
	DropDisabled   Reason = 0x09 // ingress or egress port disabled
	DropFiltered   Reason = 0x0A // rejected by packet filter
	DropUnknown    Reason = 0xFF // unspecified error
)

// String names the reason for logs and metrics labels.
func (r Reason) String() string {
	switch r {
	case ReasonKeep:
		return "keep"
	case DropOverflow:
		return "overflow"
	case DropBadFCS:
		return "bad_fcs"
	case DropBadFrame:
		return "bad_frame"
	case DropLinkLocal:
		return "link_local"
	case DropVlan:
		return "vlan_policy"
	case DropVlanRate:
		return "vlan_rate"
	case DropNoRoute:
		return "no_route"
	case DropDisabled:
		return "port_disabled"
	case DropFiltered:
		return "filtered"
	default:
		return "unknown"
	}
}

package fabric

import (
	"errors"

	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/mbuf"
)

// ErrPortOverflow means the core is out of unique port mask bits.
var ErrPortOverflow = errors.New("swfab: switch port overflow")

// TagMode is a port's 802.1Q admission policy.
type TagMode uint8

const (
	TagAdmitAll  TagMode = iota // admit tagged and untagged frames
	TagRestrict                 // untagged frames only
	TagPriority                 // priority-tagged or untagged only
	TagMandatory                // tagged frames only
)

// VlanConfig is a port's VLAN policy: the admission mode plus the
// default tag applied to untagged ingress traffic. It round-trips
// through a single packet metadata word.
type VlanConfig struct {
	Mode    TagMode
	Default eth.VlanTag
}

func (v VlanConfig) word() uint32 {
	return uint32(v.Mode)<<16 | uint32(v.Default)
}

func vlanConfigFromWord(w uint32) VlanConfig {
	return VlanConfig{Mode: TagMode(w >> 16), Default: eth.VlanTag(w)}
}

// Port is one logical switch port: an incremental writer for frames
// entering the switch and a priority reader for frames leaving it.
// The port stamps ingress metadata at finalize time and owns the
// registration-ordered list of its port plugins.
type Port struct {
	*mbuf.Writer

	core    *Core
	egress  *mbuf.PriorityReader
	name    string
	index   int
	mask    PortMask
	vlan    VlanConfig
	plugins []PortPlugin
	repack  *mbuf.Writer
}

// NewPort creates a port, assigns it the next free mask bit, and
// registers it with the core.
func NewPort(core *Core, name string) (*Port, error) {
	mask := core.nextPortMask()
	if mask == 0 {
		return nil, ErrPortOverflow
	}
	p := &Port{
		Writer: mbuf.NewWriter(core.pool),
		core:   core,
		egress: mbuf.NewPriorityReader(core.pool),
		name:   name,
		index:  maskIndex(mask),
		mask:   mask,
		repack: mbuf.NewWriter(core.pool),
	}
	core.portAdd(p)
	return p, nil
}

func maskIndex(m PortMask) int {
	idx := 0
	for m > 1 {
		m >>= 1
		idx++
	}
	return idx
}

// Name reports the configured port name.
func (p *Port) Name() string { return p.name }

// Index reports the port's bit index.
func (p *Port) Index() int { return p.index }

// Mask reports the port's destination mask bit.
func (p *Port) Mask() PortMask { return p.mask }

// Egress exposes the byte-source interface for frames leaving the
// switch through this port.
func (p *Port) Egress() *mbuf.PriorityReader { return p.egress }

// VlanConfig reports the port's VLAN policy.
func (p *Port) VlanConfig() VlanConfig { return p.vlan }

// SetVlanConfig updates the port's VLAN policy.
func (p *Port) SetVlanConfig(cfg VlanConfig) { p.vlan = cfg }

// AddPlugin appends a port plugin; callbacks fire in registration
// order.
func (p *Port) AddPlugin(pl PortPlugin) {
	p.plugins = append(p.plugins, pl)
}

// WriteFinalize stamps the ingress metadata words, finalizes the frame
// and enqueues it for delivery. The producer must have verified the
// FCS upstream; the ingress stream carries neither preamble nor FCS.
func (p *Port) WriteFinalize() bool {
	pkt := p.Writer.WriteFinalize()
	if pkt == nil {
		return false
	}
	pkt.Meta[metaSrcPort] = uint32(p.index)
	pkt.Meta[metaVlanCfg] = p.vlan.word()
	return p.core.pool.Enqueue(pkt)
}

// accept offers a routed packet to this port's egress queue.
func (p *Port) accept(mask PortMask, pkt *mbuf.Packet) bool {
	return p.mask&mask != 0 && p.egress.Accept(pkt)
}

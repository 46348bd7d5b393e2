package fabric

import (
	"golang.org/x/net/bpf"
)

// bpfSnapLen bounds the bytes copied out for filter evaluation. cBPF
// programs generated for header matching never look deeper than this.
const bpfSnapLen = 256

// BPFFilter evaluates a classic BPF program against each frame and
// drops the ones the program rejects, the same keep/drop contract as a
// tcpdump capture filter. It can serve as a core plugin or be attached
// to a single port, where it filters the ingress direction.
type BPFFilter struct {
	vm  *bpf.VM
	buf [bpfSnapLen]byte
}

// NewBPFFilter assembles the program into a VM. Invalid programs are
// rejected here, never at packet time.
func NewBPFFilter(prog []bpf.Instruction) (*BPFFilter, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, err
	}
	return &BPFFilter{vm: vm}, nil
}

func (f *BPFFilter) apply(pp *PluginPacket) {
	n := pp.Length()
	if n > bpfSnapLen {
		n = bpfSnapLen
	}
	rd := pp.Pkt.NewReader()
	if !rd.ReadBytes(f.buf[:n]) {
		pp.Drop(DropBadFrame)
		return
	}
	keep, err := f.vm.Run(f.buf[:n])
	if err != nil || keep == 0 {
		pp.Drop(DropFiltered)
	}
}

// Query implements CorePlugin.
func (f *BPFFilter) Query(pp *PluginPacket) { f.apply(pp) }

// Ingress implements PortPlugin.
func (f *BPFFilter) Ingress(pp *PluginPacket) { f.apply(pp) }

// Egress is a no-op; the filter only classifies inbound traffic.
func (f *BPFFilter) Egress(pp *PluginPacket) {}

package fabric

import (
	"fmt"

	"golang.org/x/net/bpf"

	"etherweave.xyz/swfab/internal/config"
	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/mbuf"
	"etherweave.xyz/swfab/internal/poll"
)

// Build assembles a switch fabric from configuration: pool, ports,
// plugins, and the event log, all on the given scheduler.
func Build(cfg *config.Config, sched *poll.Scheduler) (*Core, error) {
	pool := mbuf.NewPool(cfg.Fabric.ArenaBytes, sched)
	pool.SetMaxPacket(cfg.Fabric.MaxPacket)
	core := NewCore(pool)

	for _, pc := range cfg.Ports {
		p, err := NewPort(core, pc.Name)
		if err != nil {
			return nil, fmt.Errorf("port %s: %w", pc.Name, err)
		}
		p.SetTimeout(cfg.Fabric.WriteTimeout)
		p.Egress().SetTimeout(cfg.Fabric.ReadTimeout)

		vc, err := portVlan(pc.Vlan)
		if err != nil {
			return nil, fmt.Errorf("port %s: %w", pc.Name, err)
		}
		p.SetVlanConfig(vc)
		if format, ok := egressFormat(pc.Vlan.Egress); ok {
			NewVlanTagger(p, format)
		}
		if pc.Promiscuous {
			core.SetPromiscuous(p, true)
		}
	}

	// Filter first, then VLAN admission, then address learning.
	if cfg.Plugins.BPF.Enabled {
		filter, err := buildBPF(cfg.Plugins.BPF)
		if err != nil {
			return nil, err
		}
		core.AddPlugin(filter)
	}
	if cfg.Plugins.Vlan.Enabled {
		v := NewVlanPlugin(core, cfg.Plugins.Vlan.Open)
		for _, vl := range cfg.Vlans {
			for _, name := range vl.Ports {
				p := core.PortByName(name)
				if p == nil {
					return nil, fmt.Errorf("vlan %d: unknown port %s", vl.VID, name)
				}
				v.JoinPort(vl.VID, p)
			}
			if vl.RateBytes > 0 {
				burst := vl.RateBurst
				if burst <= 0 {
					burst = vl.RateBytes
				}
				v.SetRateLimit(vl.VID, vl.RateBytes, burst)
			}
		}
	}
	if cfg.Plugins.MacLearning.Enabled {
		NewMacCachePlugin(core, cfg.Plugins.MacLearning.TTL)
	}

	if cfg.SwitchLog.Enabled {
		l := NewLog(sched)
		l.AddHandler(NewLogrusHandler())
		if cfg.SwitchLog.Kafka.Enabled {
			l.AddHandler(NewKafkaHandler(cfg.SwitchLog.Kafka.Brokers, cfg.SwitchLog.Kafka.Topic))
		}
		core.SetLog(l)
	}
	return core, nil
}

func portVlan(pc config.PortVlanConfig) (VlanConfig, error) {
	var mode TagMode
	switch pc.Mode {
	case "", "admit_all":
		mode = TagAdmitAll
	case "restrict":
		mode = TagRestrict
	case "priority":
		mode = TagPriority
	case "mandatory":
		mode = TagMandatory
	default:
		return VlanConfig{}, fmt.Errorf("invalid vlan mode: %s", pc.Mode)
	}
	return VlanConfig{
		Mode:    mode,
		Default: eth.Tag(0, false, pc.DefaultVID),
	}, nil
}

func egressFormat(s string) (TagFormat, bool) {
	switch s {
	case "untagged":
		return TagUntagged, true
	case "tagged":
		return TagTagged, true
	}
	return TagUnmodified, false
}

func buildBPF(bc config.BPFConfig) (*BPFFilter, error) {
	raw := make([]bpf.RawInstruction, len(bc.Program))
	for i, q := range bc.Program {
		raw[i] = bpf.RawInstruction{Op: q.Op, Jt: q.Jt, Jf: q.Jf, K: q.K}
	}
	prog, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf program contains unrecognized instructions")
	}
	filter, err := NewBPFFilter(prog)
	if err != nil {
		return nil, fmt.Errorf("invalid bpf program: %w", err)
	}
	return filter, nil
}

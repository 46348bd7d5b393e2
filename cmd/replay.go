package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"etherweave.xyz/swfab/internal/config"
	"etherweave.xyz/swfab/internal/fabric"
	"etherweave.xyz/swfab/internal/log"
	"etherweave.xyz/swfab/internal/metrics"
	"etherweave.xyz/swfab/internal/poll"
)

var (
	replayIn     string
	replayPort   string
	replayOutDir string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a pcap file through the switch fabric",
	Long: `Replay feeds every frame of a pcap capture into one ingress port,
runs the switch fabric to completion, and writes each port's egress
stream to <out-dir>/<port>.pcap.

Examples:
  swfab replay -c config.yml -i capture.pcap -p eth0
  swfab replay -c config.yml -i capture.pcap -p uplink -o /tmp/out`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayIn, "in", "i", "", "input pcap file (required)")
	replayCmd.Flags().StringVarP(&replayPort, "port", "p", "", "ingress port name (required)")
	replayCmd.Flags().StringVarP(&replayOutDir, "out-dir", "o", ".", "directory for egress pcap files")
	replayCmd.MarkFlagRequired("in")
	replayCmd.MarkFlagRequired("port")
}

type egressSink struct {
	file   *os.File
	writer *pcapgo.Writer
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path).Start(); err != nil {
			return err
		}
	}

	sched := poll.NewScheduler()
	core, err := fabric.Build(cfg, sched)
	if err != nil {
		return err
	}
	ingress := core.PortByName(replayPort)
	if ingress == nil {
		return fmt.Errorf("unknown ingress port: %s", replayPort)
	}

	in, err := os.Open(replayIn)
	if err != nil {
		return err
	}
	defer in.Close()
	rd, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to open pcap: %w", err)
	}

	sinks := make(map[string]*egressSink, core.PortCount())
	for _, p := range core.Ports() {
		path := filepath.Join(replayOutDir, p.Name()+".pcap")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(uint32(cfg.Fabric.MaxPacket), layers.LinkTypeEthernet); err != nil {
			return err
		}
		sinks[p.Name()] = &egressSink{file: f, writer: w}
	}

	logger := log.GetLogger("replay")
	frames := 0
	for {
		data, _, err := rd.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("pcap read failed: %w", err)
		}
		ingress.WriteBytes(data)
		if !ingress.WriteFinalize() {
			logger.WithField("frame", frames).Warn("ingress overflow, frame discarded")
		}
		sched.ServiceAll(0)
		if err := drainEgress(core, sinks, sched); err != nil {
			return err
		}
		frames++
	}

	sched.ServiceAll(0)
	if err := drainEgress(core, sinks, sched); err != nil {
		return err
	}
	metrics.ArenaFreeBytes.Set(float64(core.Pool().FreeBytes()))

	fmt.Printf("replayed %d frame(s) from %s via port %s\n", frames, replayIn, replayPort)
	return nil
}

// drainEgress copies every queued egress frame of every port to its
// pcap sink.
func drainEgress(core *fabric.Core, sinks map[string]*egressSink, sched *poll.Scheduler) error {
	for _, p := range core.Ports() {
		eg := p.Egress()
		sink := sinks[p.Name()]
		for pkt := eg.Packet(); pkt != nil; pkt = eg.Packet() {
			data := make([]byte, pkt.Length())
			if !eg.ReadBytes(data) {
				return fmt.Errorf("port %s: short egress read", p.Name())
			}
			ci := gopacket.CaptureInfo{
				Timestamp:     sched.Now(),
				CaptureLength: len(data),
				Length:        len(data),
			}
			if err := sink.writer.WritePacket(ci, data); err != nil {
				return fmt.Errorf("port %s: pcap write failed: %w", p.Name(), err)
			}
			metrics.EgressFrames.WithLabelValues(p.Name()).Inc()
			eg.ReadFinalize()
		}
	}
	return nil
}

// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"etherweave.xyz/swfab/internal/log"
)

// Config is the top-level static configuration. Maps to the `swfab:`
// root key in YAML; env vars override via the SWFAB_ prefix (e.g.
// SWFAB_LOG_LEVEL).
type Config struct {
	Fabric    FabricConfig    `mapstructure:"fabric"`
	Ports     []PortConfig    `mapstructure:"ports"`
	Vlans     []VlanConfig    `mapstructure:"vlans"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	SwitchLog SwitchLogConfig `mapstructure:"switch_log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       log.Config      `mapstructure:"log"`
}

// FabricConfig sizes the shared packet arena and its per-port budgets.
type FabricConfig struct {
	ArenaBytes   int           `mapstructure:"arena_bytes"`
	MaxPacket    int           `mapstructure:"max_packet"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// PortConfig declares one switch port.
type PortConfig struct {
	Name        string         `mapstructure:"name"`
	Promiscuous bool           `mapstructure:"promiscuous"`
	Vlan        PortVlanConfig `mapstructure:"vlan"`
}

// PortVlanConfig is a port's 802.1Q policy: the ingress admission mode,
// the default VID for untagged traffic, and the egress tag format.
type PortVlanConfig struct {
	Mode       string `mapstructure:"mode"`   // admit_all / restrict / priority / mandatory
	DefaultVID uint16 `mapstructure:"vid"`    // 0 = none
	Egress     string `mapstructure:"egress"` // unmodified / untagged / tagged
}

// VlanConfig declares one VLAN: its member ports and optional rate
// limit.
type VlanConfig struct {
	VID       uint16   `mapstructure:"vid"`
	Ports     []string `mapstructure:"ports"`
	RateBytes int64    `mapstructure:"rate_bytes_per_sec"` // 0 = unmetered
	RateBurst int64    `mapstructure:"rate_burst"`
}

// PluginsConfig toggles the built-in core plugins.
type PluginsConfig struct {
	MacLearning MacLearningConfig `mapstructure:"mac_learning"`
	Vlan        VlanPluginConfig  `mapstructure:"vlan"`
	BPF         BPFConfig         `mapstructure:"bpf"`
}

// MacLearningConfig controls the transparent bridging table.
type MacLearningConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// VlanPluginConfig controls VLAN policy enforcement. Open fabrics
// flood unknown VIDs; closed fabrics drop them.
type VlanPluginConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Open    bool `mapstructure:"open"`
}

// BPFConfig installs a classic BPF program as a core filter. Each
// instruction is the raw op/jt/jf/k quad produced by bpf_asm or
// tcpdump -dd.
type BPFConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Program []BPFInstrQuad `mapstructure:"program"`
}

// BPFInstrQuad is one raw cBPF instruction.
type BPFInstrQuad struct {
	Op uint16 `mapstructure:"op"`
	Jt uint8  `mapstructure:"jt"`
	Jf uint8  `mapstructure:"jf"`
	K  uint32 `mapstructure:"k"`
}

// SwitchLogConfig controls the delivery event log and its sinks.
type SwitchLogConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Kafka   LogKafkaConfig   `mapstructure:"kafka"`
}

// LogKafkaConfig ships delivery records to a Kafka topic.
type LogKafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the top-level wrapper matching the YAML structure
// `swfab: ...`.
type configRoot struct {
	Swfab Config `mapstructure:"swfab"`
}

// Load reads and validates configuration from file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `swfab.` key prefix maps to SWFAB_ env vars via the key
	// replacer (e.g. "swfab.log.level" -> SWFAB_LOG_LEVEL).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Swfab

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("swfab.fabric.arena_bytes", 65536)
	v.SetDefault("swfab.fabric.max_packet", 2048)
	v.SetDefault("swfab.fabric.write_timeout", "1500ms")
	v.SetDefault("swfab.fabric.read_timeout", "1500ms")

	v.SetDefault("swfab.plugins.mac_learning.enabled", true)
	v.SetDefault("swfab.plugins.mac_learning.ttl", "5m")
	v.SetDefault("swfab.plugins.vlan.enabled", false)
	v.SetDefault("swfab.plugins.vlan.open", true)
	v.SetDefault("swfab.plugins.bpf.enabled", false)

	v.SetDefault("swfab.switch_log.enabled", true)
	v.SetDefault("swfab.switch_log.kafka.enabled", false)
	v.SetDefault("swfab.switch_log.kafka.topic", "swfab-events")

	v.SetDefault("swfab.metrics.enabled", true)
	v.SetDefault("swfab.metrics.listen", ":9091")
	v.SetDefault("swfab.metrics.path", "/metrics")

	v.SetDefault("swfab.log.level", "info")
	v.SetDefault("swfab.log.format", "text")
	v.SetDefault("swfab.log.file.enabled", false)
	v.SetDefault("swfab.log.file.path", "/var/log/swfab/swfab.log")
	v.SetDefault("swfab.log.file.max_size_mb", 100)
	v.SetDefault("swfab.log.file.max_age_days", 30)
	v.SetDefault("swfab.log.file.max_backups", 5)
	v.SetDefault("swfab.log.file.compress", true)
}

// Validate checks cross-field constraints that viper cannot express.
func (cfg *Config) Validate() error {
	if cfg.Fabric.ArenaBytes < 1024 {
		return fmt.Errorf("fabric.arena_bytes too small: %d", cfg.Fabric.ArenaBytes)
	}
	if cfg.Fabric.MaxPacket < 64 {
		return fmt.Errorf("fabric.max_packet too small: %d", cfg.Fabric.MaxPacket)
	}
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}
	if len(cfg.Ports) > 32 {
		return fmt.Errorf("too many ports: %d (limit 32)", len(cfg.Ports))
	}

	names := make(map[string]bool, len(cfg.Ports))
	for i, p := range cfg.Ports {
		if p.Name == "" {
			return fmt.Errorf("ports[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate port name: %s", p.Name)
		}
		names[p.Name] = true
		switch p.Vlan.Mode {
		case "", "admit_all", "restrict", "priority", "mandatory":
		default:
			return fmt.Errorf("port %s: invalid vlan mode: %s", p.Name, p.Vlan.Mode)
		}
		switch p.Vlan.Egress {
		case "", "unmodified", "untagged", "tagged":
		default:
			return fmt.Errorf("port %s: invalid vlan egress format: %s", p.Name, p.Vlan.Egress)
		}
		if p.Vlan.DefaultVID > 4094 {
			return fmt.Errorf("port %s: invalid vid: %d", p.Name, p.Vlan.DefaultVID)
		}
	}

	for _, vl := range cfg.Vlans {
		if vl.VID == 0 || vl.VID > 4094 {
			return fmt.Errorf("invalid vlan vid: %d", vl.VID)
		}
		for _, name := range vl.Ports {
			if !names[name] {
				return fmt.Errorf("vlan %d references unknown port: %s", vl.VID, name)
			}
		}
	}

	if cfg.SwitchLog.Kafka.Enabled && len(cfg.SwitchLog.Kafka.Brokers) == 0 {
		return fmt.Errorf("switch_log.kafka.brokers is required when kafka output is enabled")
	}
	return nil
}

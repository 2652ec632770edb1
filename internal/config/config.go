// Package config loads the layered configuration described in
// SPEC_FULL.md section 6: an optional YAML file, overridden by
// SAFIR_*-prefixed environment variables (github.com/sethvargo/go-envconfig).
// cmd/safir-node binds no flag to any Config field: its --config flag
// names the YAML file and its --seed flags are injected as seeds.
package config

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// NodeType is the per-node-type configuration block named in spec
// section 6: heartbeatInterval, retryTimeout, multicastAddress?,
// useMulticast, isLightNode.
type NodeType struct {
	Name              string        `yaml:"name" env:"NAME"`
	NodeTypeID        int64         `yaml:"nodeTypeId" env:"NODE_TYPE_ID"`
	UnicastAddress    string        `yaml:"unicastAddress" env:"UNICAST_ADDRESS"`
	MulticastAddress  string        `yaml:"multicastAddress" env:"MULTICAST_ADDRESS"`
	UseMulticast      bool          `yaml:"useMulticast" env:"USE_MULTICAST"`
	IsLightNode       bool          `yaml:"isLightNode" env:"IS_LIGHT_NODE"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL,default=2s"`
	RetryTimeout      time.Duration `yaml:"retryTimeout" env:"RETRY_TIMEOUT,default=500ms"`
}

// Config is the global configuration surface: spec section 6's global
// fields plus the SPEC_FULL.md ambient additions (logging, metrics).
// The config file path is not a field: it is the argument to Load.
type Config struct {
	SelfNodeID     int64  `yaml:"selfNodeId" env:"NODE_ID,required"`
	SelfName       string `yaml:"selfName" env:"NODE_NAME"`
	SelfNodeTypeID int64  `yaml:"selfNodeTypeId" env:"NODE_TYPE_ID"`
	SelfIsLightNode bool  `yaml:"selfIsLightNode" env:"IS_LIGHT_NODE"`
	ControlAddress string `yaml:"controlAddress" env:"CONTROL_ADDRESS"`

	SendQueueSize              int           `yaml:"sendQueueSize" env:"SEND_QUEUE_SIZE,default=256"`
	SlidingWindowSize          int           `yaml:"slidingWindowSize" env:"SLIDING_WINDOW_SIZE,default=64"`
	FragmentSize               int           `yaml:"fragmentSize" env:"FRAGMENT_SIZE,default=1500"`
	ReceiveBufferSize          int           `yaml:"receiveBufferSize" env:"RECEIVE_BUFFER_SIZE,default=65536"`
	MaxNumberOfUndelivered     int           `yaml:"maxNumberOfUndelivered" env:"MAX_UNDELIVERED,default=1024"`
	LightNodesExcludeTimeLimit time.Duration `yaml:"lightNodesExcludeTimeLimit" env:"LIGHT_NODE_EXCLUDE_LIMIT,default=30s"`

	// DiscoverInterval and Seeds are loaded but not read by the rest of
	// the module: the Discoverer's timer uses its own jittered delays,
	// and seeds reach it only through Communication.InjectSeeds.
	DiscoverInterval time.Duration `yaml:"discoverInterval" env:"DISCOVER_INTERVAL,default=5s"`
	Seeds            []string      `yaml:"seeds" env:"SEEDS,delimiter=,"`

	NodeTypes []NodeType `yaml:"nodeTypes"`

	// [EXPANDED] ambient fields, SPEC_FULL.md section 6.
	LogLevel             string `yaml:"logLevel" env:"LOG_LEVEL,default=info"`
	LogFormat            string `yaml:"logFormat" env:"LOG_FORMAT,default=text"`
	MetricsListenAddress string `yaml:"metricsListenAddress" env:"METRICS_LISTEN_ADDRESS"`
}

// Load reads the YAML file at path (skipped when path is empty; a
// path that cannot be read is an error), then overlays
// SAFIR_*-prefixed environment variables on top of it.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %q", path)
		}
		if err := yaml.Unmarshal(f, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %q", path)
		}
	}

	l := envconfig.PrefixLookuper("SAFIR_", envconfig.OsLookuper())
	if err := envconfig.ProcessWith(ctx, cfg, l); err != nil {
		return nil, errors.Wrap(err, "config: process environment")
	}

	if cfg.SelfNodeID == 0 {
		return nil, errors.New("config: selfNodeId must be non-zero")
	}
	return cfg, nil
}

// NodeTypeByID finds the per-node-type block for id, if configured.
func (c *Config) NodeTypeByID(id int64) (NodeType, bool) {
	for _, nt := range c.NodeTypes {
		if nt.NodeTypeID == id {
			return nt, true
		}
	}
	return NodeType{}, false
}

// LightNodeTypeSet returns the set of node-type IDs flagged isLightNode,
// for the Discoverer's lightNodeTypes configuration (spec section 4.4).
func (c *Config) LightNodeTypeSet() map[int64]bool {
	out := make(map[int64]bool)
	for _, nt := range c.NodeTypes {
		if nt.IsLightNode {
			out[nt.NodeTypeID] = true
		}
	}
	return out
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/duplication"
	"github.com/dd0wney/cluso-replication/pkg/validation"
	"gopkg.in/yaml.v3"
)

type nodeConfig struct {
	// RPCListen is the mangos rep endpoint other clusters ship mutations to,
	// e.g. "tcp://0.0.0.0:9301".
	RPCListen string `yaml:"rpc_listen"`
	// HTTPListen serves health, status and prometheus metrics.
	HTTPListen      string        `yaml:"http_listen"`
	DataDir         string        `yaml:"data_dir"`
	LogLevel        string        `yaml:"log_level"`
	MaxSegmentBytes int64         `yaml:"max_segment_bytes"`
	GCInterval      time.Duration `yaml:"gc_interval"`
	LongPoolWorkers int           `yaml:"long_pool_workers"`
}

type appConfig struct {
	AppID          int32  `yaml:"app_id"`
	AppName        string `yaml:"app_name"`
	PartitionCount int    `yaml:"partition_count"`
}

// duplicationSpec is one outbound duplication task: ship the named
// partitions' private logs to a remote cluster endpoint.
type duplicationSpec struct {
	Dupid         int32           `yaml:"dupid"`
	AppID         int32           `yaml:"app_id"`
	RemoteCluster string          `yaml:"remote_cluster"`
	Status        string          `yaml:"status"`
	Partitions    []int32         `yaml:"partitions"`
	// Progress overrides the confirmed decree per partition index. Partitions
	// without an entry resume from the start of their durable log.
	Progress map[int32]int64 `yaml:"progress"`
}

type serverConfig struct {
	Node         nodeConfig         `yaml:"node"`
	Duplication  duplication.Config `yaml:"duplication"`
	Apps         []appConfig        `yaml:"apps"`
	Duplications []duplicationSpec  `yaml:"duplications"`
}

func (c *serverConfig) applyDefaults() {
	if c.Node.RPCListen == "" {
		c.Node.RPCListen = "tcp://0.0.0.0:9301"
	}
	if c.Node.HTTPListen == "" {
		c.Node.HTTPListen = ":8080"
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data/replication"
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Node.MaxSegmentBytes == 0 {
		c.Node.MaxSegmentBytes = 64 << 20
	}
	c.Node.GCInterval = validation.DefaultOrDuration(c.Node.GCInterval, time.Minute)
	c.Node.LongPoolWorkers = validation.DefaultOrInt(c.Node.LongPoolWorkers, 4)
	c.Duplication.ApplyDefaults()
}

func (c *serverConfig) validate() error {
	cv := validation.NewConfigValidator("server").
		Required("node.rpc_listen", c.Node.RPCListen).
		Required("node.http_listen", c.Node.HTTPListen).
		Required("node.data_dir", c.Node.DataDir).
		Positive("node.long_pool_workers", c.Node.LongPoolWorkers).
		MinDuration("node.gc_interval", c.Node.GCInterval, time.Second).
		Custom("duplication", c.Duplication.Validate)

	apps := make(map[int32]appConfig, len(c.Apps))
	for i, app := range c.Apps {
		cv.Required(fmt.Sprintf("apps[%d].app_name", i), app.AppName).
			Positive(fmt.Sprintf("apps[%d].partition_count", i), app.PartitionCount)
		apps[app.AppID] = app
	}
	for i, d := range c.Duplications {
		spec := d
		idx := i
		cv.Required(fmt.Sprintf("duplications[%d].remote_cluster", i), spec.RemoteCluster).
			Positive(fmt.Sprintf("duplications[%d].dupid", i), int(spec.Dupid)).
			Custom(fmt.Sprintf("duplications[%d]", i), func() error {
				app, ok := apps[spec.AppID]
				if !ok {
					return fmt.Errorf("references unknown app %d", spec.AppID)
				}
				for _, p := range spec.Partitions {
					if p < 0 || int(p) >= app.PartitionCount {
						return fmt.Errorf("partition %d out of range for app %q (count %d)",
							p, app.AppName, app.PartitionCount)
					}
				}
				if len(spec.Partitions) == 0 {
					return fmt.Errorf("duplications[%d] names no partitions", idx)
				}
				return nil
			})
	}
	return cv.Validate()
}

func loadConfig(path string) (*serverConfig, error) {
	cfg := &serverConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

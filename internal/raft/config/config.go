// Package config loads the consensus core's tunables, enumerated in
// spec.md §6, from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RaftConfig is the full set of tunables a deployment may override.
// Field names mirror spec.md §6's enumeration exactly so the YAML keys
// read the same as the specification.
type RaftConfig struct {
	MaxNumOfLogsInMem         int    `yaml:"maxNumOfLogsInMem"`
	DispatcherBindingThreadNum int   `yaml:"dispatcherBindingThreadNum"`
	MaxBatchSize              int    `yaml:"maxBatchSize"`
	ThriftMaxFrameSize        int    `yaml:"thriftMaxFrameSize"`
	CatchUpTimeoutMS          int    `yaml:"catchUpTimeoutMS"`
	UseFollowerSlidingWindow  bool   `yaml:"useFollowerSlidingWindow"`
	EnableWeakAcceptance      bool   `yaml:"enableWeakAcceptance"`
	ElectionTimeoutRangeMS    [2]int `yaml:"electionTimeoutRangeMS"`
	HeartbeatIntervalMS       int    `yaml:"heartbeatIntervalMS"`
	LeaderStickinessWindowMS  int    `yaml:"leaderStickinessWindowMS"`

	StoragePath string       `yaml:"storagePath"`
	GroupID     string       `yaml:"groupId"`
	Self        string       `yaml:"self"`
	Peers       []PeerConfig `yaml:"peers"`
}

// PeerConfig is one entry of the peers list in the YAML file.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// QueueOrdered derives the dispatcher's immutable queueOrdered flag
// from the two fields that determine it, per spec.md §9's resolved
// Open Question: computed once, here, and never recomputed afterward.
func (c RaftConfig) QueueOrdered() bool {
	return !(c.UseFollowerSlidingWindow && c.EnableWeakAcceptance)
}

// Default returns a RaftConfig with the same defaults the dispatcher
// and member packages fall back to when left unset.
func Default() RaftConfig {
	return RaftConfig{
		MaxNumOfLogsInMem:          1000,
		DispatcherBindingThreadNum: 1,
		MaxBatchSize:               10,
		ThriftMaxFrameSize:         1 << 20,
		CatchUpTimeoutMS:           20000,
		ElectionTimeoutRangeMS:     [2]int{150, 300},
		HeartbeatIntervalMS:        50,
		LeaderStickinessWindowMS:   100,
	}
}

// Load reads and parses a RaftConfig from a YAML file at path. Keys
// present in the file override Default(), explicit zeros included;
// tunables absent from the file keep their Default() value.
func Load(path string) (RaftConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RaftConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RaftConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

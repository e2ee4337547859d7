package coremain

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pmkol/replaycache/mlog"
	"github.com/pmkol/replaycache/pkg/replay"
)

type Config struct {
	Log         mlog.LogConfig    `yaml:"log"`
	Cache       replay.Config     `yaml:"cache"`
	API         APIConfig         `yaml:"api"`
	EpochSource EpochSourceConfig `yaml:"epoch_source"`
}

type APIConfig struct {
	// HTTP is the listen address of the api server. Required.
	HTTP string `yaml:"http"`

	// Timeout bounds each api request. Default is 5s.
	Timeout time.Duration `yaml:"timeout"`
}

type EpochSourceConfig struct {
	// File holds the current epoch, written by the epoch scheduler. If set,
	// it also provides the starting epoch when cache.starting_epoch is 0.
	File string `yaml:"file"`

	// Debounce delays reloads after the file changed. Default is 200ms.
	Debounce time.Duration `yaml:"debounce"`
}

func defaultConfig() *Config {
	cfg := &Config{
		Log: mlog.LogConfig{Level: "info"},
		Cache: replay.Config{
			Storage:       replay.StorageConfig{Path: "./data", ClientTimeout: time.Second},
			FlushInterval: 2 * time.Millisecond,
			BatchMaxSize:  256,
			QueueSize:     4096,
			WriteRetries:  2,
		},
		API: APIConfig{HTTP: "127.0.0.1:9290", Timeout: 5 * time.Second},
		EpochSource: EpochSourceConfig{
			Debounce: 200 * time.Millisecond,
		},
	}
	_ = cfg.Cache.Init()
	return cfg
}

// marshalConfig encodes cfg as yaml with durations in their string form,
// which loadConfig accepts back.
func marshalConfig(cfg *Config) ([]byte, error) {
	var n yaml.Node
	if err := n.Encode(cfg); err != nil {
		return nil, err
	}
	humanizeDurations(&n, map[string]bool{
		"flush_interval": true,
		"client_timeout": true,
		"timeout":        true,
		"debounce":       true,
	})
	return yaml.Marshal(&n)
}

func humanizeDurations(n *yaml.Node, keys map[string]bool) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if keys[k.Value] && v.Kind == yaml.ScalarNode {
				var d int64
				if err := v.Decode(&d); err == nil {
					v.SetString(time.Duration(d).String())
				}
			}
		}
	}
	for _, c := range n.Content {
		humanizeDurations(c, keys)
	}
}

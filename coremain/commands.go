package coremain

import (
	"fmt"
	"os"
	"slices"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/replaycache/pkg/replay"
	"github.com/pmkol/replaycache/pkg/writeback"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := marshalConfig(defaultConfig())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
		SilenceUsage: true,
	}
}

type inspectEpoch struct {
	Epoch   uint64 `yaml:"epoch"`
	Records int    `yaml:"records"`
}

type inspectReport struct {
	Storage string         `yaml:"storage"`
	Marker  *uint64        `yaml:"compaction_marker,omitempty"`
	Records int            `yaml:"records"`
	Epochs  []inspectEpoch `yaml:"epochs"`
}

func newInspectCmd() *cobra.Command {
	var c string
	cmd := &cobra.Command{
		Use:   "inspect [-c config_file]",
		Short: "Print the records held by the persisted log.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return fmt.Errorf("fail to load config, %w", err)
			}
			r, err := inspect(&cfg.Cache)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(r)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	cmd.Flags().StringVarP(&c, "config", "c", "", "config file")
	return cmd
}

// inspect reads the storage of cfg without modifying it. The file backend
// is opened read-only and works next to a running server.
func inspect(cfg *replay.Config) (*inspectReport, error) {
	if err := cfg.Init(); err != nil {
		return nil, fmt.Errorf("invalid cache config, %w", err)
	}

	var s writeback.Storage
	var desc string
	switch cfg.Storage.Type {
	case replay.StorageRedis:
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		rs, err := writeback.NewRedisStorage(writeback.RedisStorageOpts{
			Client:        client,
			ClientCloser:  client,
			KeyPrefix:     cfg.Storage.KeyPrefix,
			TagLength:     cfg.TagLength,
			ClientTimeout: cfg.Storage.ClientTimeout,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s, desc = rs, cfg.Storage.RedisURL
	default:
		if _, err := os.Stat(cfg.Storage.Path); err != nil {
			return nil, err
		}
		fs, err := writeback.OpenFileStorage(writeback.FileStorageOpts{
			Dir:       cfg.Storage.Path,
			TagLength: cfg.TagLength,
			ReadOnly:  true,
		})
		if err != nil {
			return nil, err
		}
		s, desc = fs, cfg.Storage.Path
	}
	defer s.Close()

	r := &inspectReport{Storage: desc}
	if m, ok := s.Marker(); ok {
		r.Marker = &m
	}
	counts := make(map[uint64]int)
	for rec, err := range s.Replay() {
		if err != nil {
			return nil, fmt.Errorf("failed to read log, %w", err)
		}
		counts[rec.Epoch]++
		r.Records++
	}
	for e, n := range counts {
		r.Epochs = append(r.Epochs, inspectEpoch{Epoch: e, Records: n})
	}
	slices.SortFunc(r.Epochs, func(a, b inspectEpoch) int {
		switch {
		case a.Epoch < b.Epoch:
			return -1
		case a.Epoch > b.Epoch:
			return 1
		}
		return 0
	})
	return r, nil
}

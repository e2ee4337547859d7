package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/utils"
	"github.com/pmkol/replaycache/pkg/writeback"
)

const (
	defaultRetainedEpochs = 3
	defaultShardCount     = 64
	defaultRedisPrefix    = "replaycache:"

	StorageFile  = "file"
	StorageRedis = "redis"
)

// NotRetainedPolicy decides the outcome for a tag whose epoch is outside
// the retention window.
type NotRetainedPolicy string

const (
	// PolicyReject fails the check with ErrEpochNotRetained.
	PolicyReject NotRetainedPolicy = "reject"
	// PolicyTreatAsReplay reports OutcomeReplay.
	PolicyTreatAsReplay NotRetainedPolicy = "treat_as_replay"
)

type StorageConfig struct {
	// Type is "file" (default) or "redis".
	Type string `yaml:"type"`

	// Path is the directory of the file backend.
	Path string `yaml:"path"`

	// RedisURL is a redis:// URL for the redis backend.
	RedisURL string `yaml:"redis_url"`

	// KeyPrefix namespaces the redis keys. Default is "replaycache:".
	KeyPrefix string `yaml:"key_prefix"`

	// ClientTimeout bounds each redis call. Default is 1s.
	ClientTimeout time.Duration `yaml:"client_timeout"`
}

type Config struct {
	// TagLength is the tag size in bytes. Default is 32.
	TagLength int `yaml:"tag_length"`

	// RetainedEpochs is the number of epochs kept, current included.
	// Default is 3.
	RetainedEpochs int `yaml:"retained_epochs"`

	// StartingEpoch is the current epoch at Open. It must not be lower than
	// any epoch already persisted.
	StartingEpoch uint64 `yaml:"starting_epoch"`

	Storage StorageConfig `yaml:"storage"`

	// FlushInterval, BatchMaxSize, QueueSize, NonBlocking and WriteRetries
	// tune the writeback log, see writeback.LogOpts.
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchMaxSize  int           `yaml:"batch_max_size"`
	QueueSize     int           `yaml:"queue_size"`
	NonBlocking   bool          `yaml:"non_blocking"`
	WriteRetries  int           `yaml:"write_retries"`

	// Compress snappy-compresses log frames of the file backend.
	Compress bool `yaml:"compress"`

	// ShardCount is the number of shards per epoch bucket. Must be a power
	// of 2. Default is 64.
	ShardCount int `yaml:"shards"`

	// ExpectedTagsPerEpoch presizes each epoch bucket. See
	// CapacityForLineRate.
	ExpectedTagsPerEpoch int `yaml:"expected_tags_per_epoch"`

	// NotRetainedPolicy is "reject" (default) or "treat_as_replay".
	NotRetainedPolicy NotRetainedPolicy `yaml:"not_retained_policy"`

	// Backend replaces the storage described by Storage if not nil.
	// The cache takes ownership of it.
	Backend writeback.Storage `yaml:"-"`

	// Logger is the *zap.Logger for this cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger `yaml:"-"`

	// Metrics registers the cache metrics if not nil.
	Metrics prometheus.Registerer `yaml:"-"`
}

// Init fills defaults and validates the config.
func (c *Config) Init() error {
	utils.SetDefaultNum(&c.TagLength, tag.DefaultSize)
	utils.SetDefaultNum(&c.RetainedEpochs, defaultRetainedEpochs)
	utils.SetDefaultNum(&c.ShardCount, defaultShardCount)
	if len(c.Storage.Type) == 0 {
		c.Storage.Type = StorageFile
	}
	if len(c.Storage.KeyPrefix) == 0 {
		c.Storage.KeyPrefix = defaultRedisPrefix
	}
	if len(c.NotRetainedPolicy) == 0 {
		c.NotRetainedPolicy = PolicyReject
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}

	if err := utils.CheckNumRange("tag length", c.TagLength, 1, tag.MaxSize); err != nil {
		return err
	}
	if c.RetainedEpochs < 1 {
		return fmt.Errorf("invalid retained epochs %d", c.RetainedEpochs)
	}
	if !utils.IsPowerOf2(c.ShardCount) {
		return fmt.Errorf("shards %d is not a power of 2", c.ShardCount)
	}
	if c.ExpectedTagsPerEpoch < 0 {
		return fmt.Errorf("invalid expected tags per epoch %d", c.ExpectedTagsPerEpoch)
	}
	switch c.NotRetainedPolicy {
	case PolicyReject, PolicyTreatAsReplay:
	default:
		return fmt.Errorf("invalid not retained policy %q", c.NotRetainedPolicy)
	}
	if c.Backend != nil {
		return nil
	}
	switch c.Storage.Type {
	case StorageFile:
		if len(c.Storage.Path) == 0 {
			return errors.New("file storage requires a path")
		}
	case StorageRedis:
		if len(c.Storage.RedisURL) == 0 {
			return errors.New("redis storage requires a redis_url")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

// CapacityForLineRate returns the number of tags one epoch can hold at the
// given line rate (bytes per second) and packet size.
func CapacityForLineRate(lineRate uint64, packetSize int, epochDuration time.Duration) int {
	if packetSize <= 0 || epochDuration <= 0 {
		return 0
	}
	perSecond := lineRate / uint64(packetSize)
	return int(perSecond * uint64(epochDuration/time.Second))
}

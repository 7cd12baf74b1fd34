// Package journal appends health monitor records to a Redis stream.
package journal

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"apexhv/internal/hypervisor/health"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultStream  = "apexhv:faults"
	defaultMaxLen  = 10000
	defaultBuffer  = 256
	defaultTimeout = time.Second
)

// RedisConfig holds the Redis connection settings of the journal.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
}

// Config configures the journal. An empty Redis address disables it.
type Config struct {
	Redis  RedisConfig `yaml:"redis"`
	Stream string      `yaml:"stream"`
	// MaxLen trims the stream approximately; 0 keeps the default.
	MaxLen int64 `yaml:"maxLen"`
	// Buffer bounds records waiting to be written.
	Buffer int `yaml:"buffer"`
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool {
	return c.Redis.Addr != ""
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.MaxLen == 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = defaultTimeout
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 2
	}
}

// Journal implements health.Sink. Publish never blocks the caller: records
// are queued and written by a background goroutine, and dropped when the
// queue is full.
type Journal struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	bootID  string

	queue   chan health.Record
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// New connects to Redis and starts the writer.
func New(ctx context.Context, cfg Config, bootID string) (*Journal, error) {
	if !cfg.Enabled() {
		return nil, apperrors.New(apperrors.ConfigInvalid).WithMessage("journal redis addr is required")
	}
	cfg.setDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrapf(err, apperrors.ServiceUnavailable, "ping journal redis %s", cfg.Redis.Addr)
	}
	return NewWithClient(client, cfg, bootID), nil
}

// NewWithClient starts a journal on an existing client. Close closes client.
func NewWithClient(client *redis.Client, cfg Config, bootID string) *Journal {
	cfg.setDefaults()
	j := &Journal{
		client:  client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.Redis.WriteTimeout,
		bootID:  bootID,
		queue:   make(chan health.Record, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Publish queues rec for the stream.
func (j *Journal) Publish(ctx context.Context, rec health.Record) error {
	select {
	case j.queue <- rec:
		return nil
	default:
		j.dropped.Add(1)
		return apperrors.New(apperrors.ServiceUnavailable).WithMessage("fault journal queue is full")
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	ctx := context.Background()
	if j.bootID != "" {
		ctx = logger.WithBootID(ctx, j.bootID)
	}
	for rec := range j.queue {
		if err := j.write(ctx, rec); err != nil {
			logger.Warn(logger.WithPartition(ctx, rec.Partition), "write fault journal failed", zap.Error(err))
		}
	}
}

func (j *Journal) write(ctx context.Context, rec health.Record) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: fields(j.bootID, rec),
	}).Err()
}

func fields(bootID string, rec health.Record) map[string]interface{} {
	values := map[string]interface{}{
		"partition": rec.Partition,
		"kind":      string(rec.Kind),
		"action":    string(rec.Action),
		"escalated": strconv.FormatBool(rec.Escalated),
		"at":        rec.At.String(),
		"frame":     strconv.FormatUint(rec.Frame, 10),
		"time":      rec.Time.UTC().Format(time.RFC3339Nano),
	}
	if bootID != "" {
		values["boot_id"] = bootID
	}
	if rec.Detail != "" {
		values["detail"] = rec.Detail
	}
	if rec.Err != "" {
		values["error"] = rec.Err
	}
	return values
}

// Entry is one journal record as read back from the stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Recent returns up to count entries, newest first.
func (j *Journal) Recent(ctx context.Context, count int64) ([]Entry, error) {
	msgs, err := j.client.XRevRangeN(ctx, j.stream, "+", "-", count).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ServiceUnavailable)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry := Entry{ID: msg.ID, Fields: make(map[string]string, len(msg.Values))}
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				entry.Fields[k] = s
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close flushes queued records and closes the Redis client. Records still
// queued when ctx ends are lost.
func (j *Journal) Close(ctx context.Context) error {
	j.once.Do(func() { close(j.queue) })
	select {
	case <-j.done:
	case <-ctx.Done():
		logger.Warn(ctx, "fault journal flush interrupted", zap.Int("pending", len(j.queue)))
	}
	return j.client.Close()
}

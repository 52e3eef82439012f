package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream       = "tsdocs:session-journal"
	defaultStreamMaxLen = 10000
)

// RedisSink appends entries to a capped Redis stream.
//
// The sink does not own the client; Close is a no-op.
type RedisSink struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// RedisOption configures RedisSink.
type RedisOption func(*RedisSink)

// WithStream overrides the stream key.
func WithStream(stream string) RedisOption {
	return func(s *RedisSink) {
		if v := strings.TrimSpace(stream); v != "" {
			s.stream = v
		}
	}
}

// WithMaxLen sets the approximate stream cap.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// NewRedisSink constructs a stream-backed sink.
func NewRedisSink(rdb redis.Cmdable, opts ...RedisOption) (*RedisSink, error) {
	if rdb == nil {
		return nil, errors.New("journal: nil redis client")
	}
	s := &RedisSink{rdb: rdb, stream: defaultStream, maxLen: defaultStreamMaxLen}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Stream returns the stream key entries are written to.
func (s *RedisSink) Stream() string { return s.stream }

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":    e.ID,
			"kind":  e.Kind,
			"entry": string(b),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error { return nil }

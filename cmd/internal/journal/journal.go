// Package journal records session and presence lifecycle events.
//
// Record hands an Entry to a buffered dispatcher and returns at once; a single
// goroutine fans entries out to every Sink. When the buffer is full entries
// are dropped and counted rather than slowing down the caller, which is often
// holding up a refresh or a reconnect.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tsdocs/cmd/identity/ids"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Close when called more than once.
var ErrClosed = errors.New("journal: closed")

// Entry is one journal record.
type Entry struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Kind     string         `json:"kind"`
	UserID   int64          `json:"user_id,omitempty"`
	Username string         `json:"username,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Sink persists entries. Write is called from one goroutine at a time.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Config tunes the dispatcher.
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Journal is the async dispatcher in front of the sinks.
type Journal struct {
	log   *slog.Logger
	cfg   Config
	sinks []Sink

	ch        chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts a dispatcher writing to sinks.
func New(log *slog.Logger, cfg Config, sinks ...Sink) *Journal {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	j := &Journal{
		log:  log,
		cfg:  cfg,
		ch:   make(chan Entry, cfg.BufferSize),
		done: make(chan struct{}),
	}
	for _, s := range sinks {
		if s != nil {
			j.sinks = append(j.sinks, s)
		}
	}

	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Journal) run() {
	defer j.wg.Done()

	for {
		select {
		case e := <-j.ch:
			j.write(e)
		case <-j.done:
			for {
				select {
				case e := <-j.ch:
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(e Entry) {
	for _, s := range j.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
		err := s.Write(ctx, e)
		cancel()
		if err != nil {
			j.failed.Add(1)
			j.log.Warn("journal.write.fail", "kind", e.Kind, "id", e.ID, "err", err)
		}
	}
}

// Record queues e without blocking. It fills in ID and At when empty and
// reports whether the entry was accepted.
func (j *Journal) Record(e Entry) bool {
	if j == nil || j.closed.Load() {
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.ID == "" {
		id, err := ids.NewULID(e.At)
		if err == nil {
			e.ID = id
		}
	}

	select {
	case j.ch <- e:
		return true
	case <-j.done:
		return false
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.log.Warn("journal.drop", "dropped", n)
		}
		return false
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Failed returns how many sink writes returned an error.
func (j *Journal) Failed() uint64 {
	if j == nil {
		return 0
	}
	return j.failed.Load()
}

// Close drains buffered entries and closes every sink.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	err := ErrClosed
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.done)
		j.wg.Wait()

		var errs []error
		for _, s := range j.sinks {
			if cerr := s.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

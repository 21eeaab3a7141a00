// Package notify relays audit events to a Redis stream so external consumers
// can follow the marketplace without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

const defaultBatch = 100

// Source yields persisted events after a cursor.
type Source interface {
	ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error)
}

type Config struct {
	Addr   string
	Stream string
	// Events filters by type. Entries ending in ".*" match a prefix; empty matches all.
	Events []string
	MaxLen int64
	Batch  int
}

// Relay copies events from the store to a stream, resuming from the last id it
// delivered.
type Relay struct {
	client *redis.Client
	source Source
	cfg    Config
	filter eventFilter
	logger *zap.Logger

	mu     sync.Mutex
	cursor int64
	primed bool
}

func New(cfg Config, source Source, logger *zap.Logger) (*Relay, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis stream is required")
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return &Relay{
		client: client,
		source: source,
		cfg:    cfg,
		filter: newEventFilter(cfg.Events),
		logger: logger.With(zap.String("component", "notify"), zap.String("stream", cfg.Stream)),
	}, nil
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Relay) Close() error {
	return r.client.Close()
}

// StartAt sets the cursor; events with id <= cursor are never relayed.
func (r *Relay) StartAt(cursor int64) {
	r.mu.Lock()
	r.cursor = cursor
	r.primed = true
	r.mu.Unlock()
}

// Cursor is the id of the last event handled.
func (r *Relay) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// prime resumes after the last event already in the stream.
func (r *Relay) prime(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primed {
		return nil
	}
	msgs, err := r.client.XRevRangeN(ctx, r.cfg.Stream, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("read stream tail: %w", err)
	}
	if len(msgs) == 1 {
		if raw, ok := msgs[0].Values["event_id"]; ok {
			if id, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64); err == nil {
				r.cursor = id
			}
		}
	}
	r.primed = true
	return nil
}

// Flush relays everything after the cursor and returns how many events were
// published. Delivery stops at the first failure; the next call retries it.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if err := r.prime(ctx); err != nil {
		return 0, err
	}
	published := 0
	for {
		batch, err := r.source.ListEvents(ctx, repo.EventFilter{AfterID: r.Cursor(), Limit: r.cfg.Batch})
		if err != nil {
			return published, fmt.Errorf("fetch events: %w", err)
		}
		for _, evt := range batch {
			if r.filter.match(evt.Type) {
				if err := r.publish(ctx, evt); err != nil {
					return published, err
				}
				published++
			}
			r.mu.Lock()
			r.cursor = evt.ID
			r.mu.Unlock()
		}
		if len(batch) < r.cfg.Batch {
			return published, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{
			"event_id":    evt.ID,
			"type":        evt.Type,
			"entity_kind": evt.EntityKind,
			"entity_id":   evt.EntityID,
			"actor_id":    evt.ActorID,
			"reason":      evt.Reason,
			"at":          evt.At.Format(time.RFC3339Nano),
			"payload":     string(payload),
		},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.logger.Warn("publish event failed", zap.Int64("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
		return fmt.Errorf("xadd event %d: %w", evt.ID, err)
	}
	return nil
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.Flush(ctx); err != nil {
			r.logger.Warn("relay flush failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("events relayed", zap.Int("count", n), zap.Int64("cursor", r.Cursor()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type eventFilter struct {
	allowAll bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{allowAll: true}
	}
	f := eventFilter{exact: make(map[string]struct{})}
	for _, raw := range events {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if v == "*" {
			return eventFilter{allowAll: true}
		}
		if strings.HasSuffix(v, ".*") {
			f.prefixes = append(f.prefixes, strings.TrimSuffix(v, "*"))
			continue
		}
		f.exact[v] = struct{}{}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f.allowAll {
		return true
	}
	if _, ok := f.exact[evtType]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evtType, p) {
			return true
		}
	}
	return false
}

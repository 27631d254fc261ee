// Package outbox queues messages composed while a channel is offline and
// replays them, in order, once it reconnects. The queue is persisted as a
// whole after every change so it survives restarts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Avicted/parley/internal/metrics"
	"github.com/Avicted/parley/internal/storage"
)

var ErrCorrupt = errors.New("outbox: stored queue is corrupt")

// Sender delivers queued text over a live channel.
type Sender interface {
	Connected() bool
	SendText(ctx context.Context, text string) error
}

type Outbox struct {
	channelID string
	store     storage.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex
}

func New(channelID string, store storage.Store, logger *zap.Logger, m *metrics.Metrics) (*Outbox, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("outbox: channel id is required")
	}
	if store == nil {
		return nil, errors.New("outbox: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{channelID: channelID, store: store, logger: logger, metrics: m}, nil
}

// Key is the storage key of a channel's queue.
func Key(channelID string) string {
	return "outbox:" + channelID
}

func (o *Outbox) ChannelID() string {
	return o.channelID
}

func (o *Outbox) Enqueue(ctx context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return err
	}
	queue = append(queue, text)
	if err := o.save(ctx, queue); err != nil {
		return err
	}
	o.metrics.SetOutboxDepth(len(queue))
	o.logger.Info("outbox_enqueued", zap.String("channel", o.channelID), zap.Int("depth", len(queue)))
	return nil
}

// Drain sends every queued entry in enqueue order and clears the queue only
// after the whole pass succeeded. When a send fails the queue is left intact
// and the next drain starts over from the first entry.
func (o *Outbox) Drain(ctx context.Context, sender Sender) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return 0, err
	}
	if len(queue) == 0 || sender == nil || !sender.Connected() {
		return 0, nil
	}

	for i, text := range queue {
		if err := sender.SendText(ctx, text); err != nil {
			o.logger.Warn("outbox_drain_interrupted",
				zap.String("channel", o.channelID),
				zap.Int("sent", i),
				zap.Int("depth", len(queue)),
				zap.Error(err),
			)
			return 0, fmt.Errorf("drain outbox: %w", err)
		}
	}

	if err := o.store.Delete(ctx, Key(o.channelID)); err != nil {
		return 0, fmt.Errorf("clear outbox: %w", err)
	}
	o.metrics.SetOutboxDepth(0)
	o.metrics.OutboxDrained(len(queue))
	o.logger.Info("outbox_drained", zap.String("channel", o.channelID), zap.Int("count", len(queue)))
	return len(queue), nil
}

func (o *Outbox) Pending(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx)
}

func (o *Outbox) Len(ctx context.Context) (int, error) {
	queue, err := o.Pending(ctx)
	return len(queue), err
}

func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.Delete(ctx, Key(o.channelID)); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	o.metrics.SetOutboxDepth(0)
	return nil
}

func (o *Outbox) load(ctx context.Context) ([]string, error) {
	raw, err := o.store.Get(ctx, Key(o.channelID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var queue []string
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return queue, nil
}

func (o *Outbox) save(ctx context.Context, queue []string) error {
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode outbox: %w", err)
	}
	if err := o.store.Put(ctx, Key(o.channelID), raw); err != nil {
		return fmt.Errorf("save outbox: %w", err)
	}
	return nil
}

// Package outbox delivers pending comments, including sender key notices,
// and retries the ones that fail.
package outbox

import (
	"context"
	"sync"
	"time"

	"chatsec/internal/models"

	"github.com/rs/zerolog"
)

type Store interface {
	PendingComments(ctx context.Context, limit int) ([]*models.Comment, error)
	UpdateCommentState(ctx context.Context, uniqueID string, state models.CommentState) error
}

// Deliverer hands one comment to the transport.
type Deliverer interface {
	Deliver(ctx context.Context, c *models.Comment) error
}

type Config struct {
	BatchSize   int           `yaml:"batch_size" env:"BATCH_SIZE"`
	RetryEvery  time.Duration `yaml:"retry_every" env:"RETRY_EVERY"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type Outbox struct {
	store     Store
	deliverer Deliverer
	log       zerolog.Logger

	// kick signal and worker control
	kickQ  chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once

	attemptsMu sync.Mutex
	attempts   map[string]int

	batchSize   int           // comments loaded per pass
	retryEvery  time.Duration // max wait before retrying pending comments
	maxAttempts int           // failed deliveries before a comment is marked failed
}

// New returns an outbox ready to Start.
func New(store Store, deliverer Deliverer, cfg Config, log zerolog.Logger) *Outbox {
	o := &Outbox{
		store:       store,
		deliverer:   deliverer,
		log:         log.With().Str("component", "outbox").Logger(),
		kickQ:       make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		attempts:    make(map[string]int),
		batchSize:   cfg.BatchSize,
		retryEvery:  cfg.RetryEvery,
		maxAttempts: cfg.MaxAttempts,
	}
	if o.batchSize <= 0 {
		o.batchSize = 50
	}
	if o.retryEvery <= 0 {
		o.retryEvery = 30 * time.Second
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 5
	}
	return o
}

// Start launches the background sender. Call Stop to shut it down.
func (o *Outbox) Start() {
	o.wg.Add(1)
	go o.worker()
}

// Stop makes a final pass over pending comments and waits for the worker.
func (o *Outbox) Stop() {
	o.once.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// TryResendPending wakes the worker without blocking. Kicks arriving while
// a pass is queued are merged.
func (o *Outbox) TryResendPending() {
	select {
	case o.kickQ <- struct{}{}:
	default:
	}
}

func (o *Outbox) worker() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.retryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			o.flush()
			return
		case <-o.kickQ:
			o.flush()
		case <-ticker.C:
			o.flush()
		}
	}
}

// flush sends every pending comment once, batch by batch. Comments that
// fail go back to pending, so the query limit grows past the ones seen.
func (o *Outbox) flush() {
	ctx := context.Background()
	seen := make(map[string]struct{})
	for {
		limit := o.batchSize + len(seen)
		batch, err := o.store.PendingComments(ctx, limit)
		if err != nil {
			o.log.Error().Err(err).Msg("load pending comments")
			return
		}
		sent := 0
		for _, c := range batch {
			if _, done := seen[c.UniqueID]; done {
				continue
			}
			seen[c.UniqueID] = struct{}{}
			o.send(ctx, c)
			sent++
		}
		if sent == 0 || len(batch) < limit {
			return
		}
	}
}

func (o *Outbox) send(ctx context.Context, c *models.Comment) {
	log := o.log.With().Str("unique_id", c.UniqueID).Int64("room_id", c.RoomID).Logger()
	if err := o.store.UpdateCommentState(ctx, c.UniqueID, models.StateSending); err != nil {
		log.Warn().Err(err).Msg("mark sending")
		return
	}

	err := o.deliverer.Deliver(ctx, c)
	next := models.StateOnServer
	if err != nil {
		n := o.failed(c.UniqueID)
		next = models.StatePending
		if n >= o.maxAttempts {
			next = models.StateFailed
		}
		log.Warn().Err(err).Int("attempt", n).Msg("delivery failed")
	} else {
		o.clear(c.UniqueID)
	}
	if err := o.store.UpdateCommentState(ctx, c.UniqueID, next); err != nil {
		log.Error().Err(err).Msg("update comment state")
	}
}

func (o *Outbox) failed(uniqueID string) int {
	o.attemptsMu.Lock()
	defer o.attemptsMu.Unlock()
	o.attempts[uniqueID]++
	return o.attempts[uniqueID]
}

func (o *Outbox) clear(uniqueID string) {
	o.attemptsMu.Lock()
	defer o.attemptsMu.Unlock()
	delete(o.attempts, uniqueID)
}

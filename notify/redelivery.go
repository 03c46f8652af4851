package notify

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/cadence/internal/metrics"
	"github.com/teranos/cadence/logger"
)

// redeliveryBatch bounds one pass
const redeliveryBatch = 100

// Redeliverer sends deferred notifications once their business-hours window opens
type Redeliverer struct {
	store      *Store
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRedeliverer creates a redeliverer
func NewRedeliverer(store *Store, dispatcher *Dispatcher, log *zap.SugaredLogger) *Redeliverer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Redeliverer{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.AddNotifySymbol(log),
		now:        time.Now,
	}
}

// RunOnce delivers every deferred notification due at now and returns how
// many were sent. Each row is claimed before dispatch so overlapping passes
// never deliver it twice.
func (r *Redeliverer) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := r.store.DueDeferred(ctx, now, redeliveryBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := r.store.ClaimDeferred(ctx, d.ID, now)
		if err != nil {
			return sent, err
		}
		if !claimed {
			continue
		}
		results := r.dispatcher.DispatchNow(ctx, d.Event)
		sent++
		metrics.Redelivered.Inc()
		r.logger.Infow("Deferred notification delivered",
			logger.FieldEventID, d.Event.ID,
			logger.FieldDeferTill, d.DeliverAt.Format(time.RFC3339),
			logger.FieldCount, len(results))
	}
	return sent, nil
}

// Start runs RunOnce on spec (standard five-field cron) until Stop
func (r *Redeliverer) Start(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		n, err := r.RunOnce(ctx, r.now())
		if err != nil {
			r.logger.Errorw("Redelivery pass failed", logger.FieldError, err)
			return
		}
		if n > 0 {
			r.logger.Infow("Redelivery pass complete", logger.FieldCount, n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.logger.Infow("Redelivery scheduled", "cron", spec)
	return nil
}

// Stop halts the cron schedule and waits for a running pass to finish
func (r *Redeliverer) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

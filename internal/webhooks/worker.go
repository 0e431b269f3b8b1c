package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hookrelay/internal/logging"
)

// Worker calls ProcessPendingDeliveries every Interval and, when Retention is
// set, purges old terminal deliveries once per PurgeEvery.
type Worker struct {
	Orchestrator *Orchestrator
	Interval     time.Duration
	Retention    time.Duration
	PurgeEvery   time.Duration

	log       zerolog.Logger
	lastPurge time.Time
	stop      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

func NewWorker(o *Orchestrator, interval, retention time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		Orchestrator: o,
		Interval:     interval,
		Retention:    retention,
		PurgeEvery:   time.Hour,
		log:          logging.NewLogger("worker"),
		stop:         make(chan struct{}),
	}
}

// Start runs the loop in a goroutine until ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for the pass in progress to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// RunOnce performs one processing pass and, if due, one retention sweep.
func (w *Worker) RunOnce(ctx context.Context) int {
	n, err := w.Orchestrator.ProcessPendingDeliveries(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("process pending deliveries")
	}
	if n > 0 {
		w.log.Debug().Int("processed", n).Msg("processing pass finished")
	}
	if w.Retention > 0 {
		now := w.Orchestrator.now()
		if w.lastPurge.IsZero() || now.Sub(w.lastPurge) >= w.PurgeEvery {
			w.lastPurge = now
			if _, err := w.Orchestrator.Purge(ctx, now.Add(-w.Retention)); err != nil {
				w.log.Error().Err(err).Msg("retention sweep")
			}
		}
	}
	return n
}

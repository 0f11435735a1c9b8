package worker

import (
	"context"
	"sync"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"go.uber.org/atomic"
)

// Handle owns the running polling loops. Stop is safe to call more than once.
type Handle struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing *atomic.Bool
}

// Start launches cfg.Concurrency polling loops. Nothing runs until Start is
// called and everything stops when Stop returns.
func (w *Worker) Start(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, closing: atomic.NewBool(false)}

	for i := 0; i < w.cfg.Concurrency; i++ {
		h.wg.Add(1)
		go func(slot int) {
			defer h.wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	logger.Log.WithField("concurrency", w.cfg.Concurrency).Info("Ingest workers started")
	return h
}

// Stop cancels polling and waits for in-flight jobs to reach an outcome.
func (h *Handle) Stop() {
	if !h.closing.CAS(false, true) {
		return
	}
	h.cancel()
	h.wg.Wait()
	logger.Log.Info("Ingest workers stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.ProcessOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Log.WithError(err).WithField("slot", slot).Error("Ingest worker iteration failed")
			wait = w.cfg.ErrorBackoff
		case claimed:
			continue
		default:
			wait = w.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

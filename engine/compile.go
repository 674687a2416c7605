package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.queue:
			e.metrics.QueueDepth.Dec()
			e.compileAndPublish(ctx, req)
		}
	}
}

// compileAndPublish compiles req and installs the result unless the code
// was invalidated meanwhile. Concurrent requests for the same address and
// tier compile once.
func (e *Engine) compileAndPublish(ctx context.Context, req compileRequest) {
	key := fmt.Sprintf("%x/%d", uint64(req.block.Start), req.tier)
	_, _, _ = e.compiles.Do(key, func() (any, error) {
		e.compile(ctx, req)
		return nil, nil
	})
}

func (e *Engine) compile(ctx context.Context, req compileRequest) {
	addr, tier := req.block.Start, req.tier
	start := time.Now()
	cb, err := e.compiler.Compile(ctx, req.block, tier)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, vmerrors.ErrCCanceled) || ctx.Err() != nil {
			e.detector.Abandon(addr)
			e.metrics.Compilations.WithLabelValues(tier.String(), "canceled").Inc()
			return
		}
		e.detector.Complete(addr, tier, false)
		e.metrics.Compilations.WithLabelValues(tier.String(), "failed").Inc()
		log.Debug(log.CompileMonitoring, "compile failed, staying at current tier", "addr", addr, "tier", tier, "err", err)
		return
	}
	if ctx.Err() != nil {
		cb.Release()
		e.detector.Abandon(addr)
		e.metrics.Compilations.WithLabelValues(tier.String(), "canceled").Inc()
		return
	}

	size := cb.CodeSize()
	err = e.cache.Publish(cb, req.block.Hash(), req.epoch)
	switch {
	case err == nil:
		e.detector.Complete(addr, tier, true)
		// the publish may have evicted the block again before Complete
		if r := e.cache.Resident(addr); r < tier {
			e.detector.Lower(addr, r)
		}
		e.metrics.Compilations.WithLabelValues(tier.String(), "ok").Inc()
		e.metrics.CompileSeconds.WithLabelValues(tier.String()).Observe(elapsed.Seconds())
		e.updateCacheGauges()
		log.Debug(log.CompileMonitoring, "published", "addr", addr, "tier", tier, "bytes", size, "took", elapsed)
	case vmerrors.IsFatal(err):
		e.detector.Abandon(addr)
		e.abort(err)
	default:
		e.detector.Abandon(addr)
		e.metrics.Compilations.WithLabelValues(tier.String(), "stale").Inc()
	}
}

package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// work is one worker slot. It exits when the queue is closed or the run is
// stopped; descriptors left in the queue are discarded.
func (r *Run) work(ctx context.Context, queue <-chan Descriptor) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-queue:
			if !ok {
				return
			}
			r.process(ctx, d)
		}
	}
}

func (r *Run) process(ctx context.Context, d Descriptor) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return
	}

	gen, err := r.gens.Lookup(d.Spec.Ref)
	if err != nil {
		r.recordOutcome(d, &GeneratorError{Ref: d.Spec.Ref, Phase: d.Spec.Phase, Err: err}, false)
		return
	}
	payload, err := gen.Generate(ctx, d.Spec)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		gerr := &GeneratorError{Ref: d.Spec.Ref, Phase: d.Spec.Phase, Err: err}
		r.logger.Debug("generator failed", zap.Error(gerr))
		r.progress.Errorf("%v", gerr)
		r.recordOutcome(d, gerr, false)
		return
	}

	ev := Tag(r.newEvent(d, payload, gen.SourceType()), r.tags, time.Now())

	// Nothing scheduled is handed to the sink once the run is stopping.
	if ctx.Err() != nil {
		return
	}
	err = r.session.Deliver(r.deliveryCtx, ev, func(err error, unitEnd bool) {
		r.recordOutcome(d, err, unitEnd)
	})
	if err != nil {
		r.logger.Debug("event not accepted by sink", zap.Error(err))
	}
}

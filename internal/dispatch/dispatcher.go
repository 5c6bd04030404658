package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/strandml/strand/internal/logger"
)

// Source is the consumer side of the cross-process delta channel. A nil
// delta with a nil error means no data arrived within the timeout.
type Source interface {
	ReceiveNext(timeout time.Duration) (*Delta, error)
}

// Config tunes the dispatcher loop. Zero fields take the defaults below,
// which are carried over from the source engine.
type Config struct {
	PollTimeout    time.Duration // bounded wait on the source
	IdleSleep      time.Duration // pause when the source is empty
	EnqueueTimeout time.Duration // bounded wait putting a delta on a queue
	ErrorBackoff   time.Duration // pause after a recoverable source error
}

const (
	defaultPollTimeout    = 10 * time.Millisecond
	defaultIdleSleep      = 5 * time.Millisecond
	defaultEnqueueTimeout = 2 * time.Second
	defaultErrorBackoff   = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	return c
}

// Dispatcher is the single consumer of the delta source. One long-lived
// Run loop routes every delta to its request's queue; a single consumer
// keeps per-request delivery order identical to production order without
// any reordering machinery.
type Dispatcher struct {
	src Source
	reg *Registry
	cfg Config
	log logger.Logger
}

// NewDispatcher wires a source to a registry.
func NewDispatcher(src Source, reg *Registry, cfg Config, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{src: src, reg: reg, cfg: cfg.withDefaults(), log: log}
}

// Run polls the source until ctx is cancelled or the transport fails
// fatally. All other errors are logged and the loop continues after a
// short backoff. Cancellation is observed between iterations; nothing
// beyond the current iteration is lost.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("response dispatcher starting")
	if d.src == nil {
		d.log.Error("delta source not initialized, dispatcher cannot run")
		return ErrTransportFatal
	}

	for {
		if err := ctx.Err(); err != nil {
			d.log.Info("response dispatcher stopping", "cause", err)
			return nil
		}

		delta, err := d.src.ReceiveNext(d.cfg.PollTimeout)
		switch {
		case err != nil:
			if errors.Is(err, ErrTransportFatal) {
				// A worker draining out during shutdown closes its delta
				// channel; that is the transport going away with the
				// process, not a transport failure.
				if ctx.Err() != nil {
					d.log.Info("response dispatcher stopping", "cause", ctx.Err())
					return nil
				}
				d.log.Error("delta transport failed, stopping dispatcher", "error", err)
				return err
			}
			d.log.Error("error polling delta source", "error", err)
			if !sleepCtx(ctx, d.cfg.ErrorBackoff) {
				return nil
			}
		case delta == nil:
			// No data yet; not an error.
			if !sleepCtx(ctx, d.cfg.IdleSleep) {
				return nil
			}
		default:
			d.route(ctx, *delta)
		}
	}
}

// route delivers one delta to its request's queue with a bounded wait.
func (d *Dispatcher) route(ctx context.Context, delta Delta) {
	q, ok := d.reg.queue(delta.RequestID)
	if !ok {
		// The handler finished and cleaned up before this delta arrived.
		// Expected under races between stream completion and cleanup.
		d.log.Warn("delta for unknown request, dropping", "request_id", delta.RequestID)
		return
	}

	select {
	case q <- delta:
		return
	default:
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case q <- delta:
	case <-timer.C:
		// A stuck or slow consumer; drop this delta and keep serving the
		// other requests.
		d.log.Error("timeout enqueuing delta, dropping",
			"request_id", delta.RequestID, "error", ErrDispatchTimeout)
	case <-ctx.Done():
	}
}

// sleepCtx pauses for dur, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

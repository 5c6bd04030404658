package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strandml/strand/internal/logger"
)

// chanSource is a Source backed by an in-process channel.
type chanSource struct {
	ch chan Delta
}

func newChanSource(depth int) *chanSource {
	return &chanSource{ch: make(chan Delta, depth)}
}

func (s *chanSource) ReceiveNext(timeout time.Duration) (*Delta, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-s.ch:
		return &d, nil
	case <-timer.C:
		return nil, nil
	}
}

type fatalSource struct{}

func (fatalSource) ReceiveNext(time.Duration) (*Delta, error) {
	return nil, ErrTransportFatal
}

func startDispatcher(t *testing.T, src Source, reg *Registry, cfg Config) (cancel func(), done chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	d := NewDispatcher(src, reg, cfg, logger.Nop())
	go func() { done <- d.Run(ctx) }()
	return stop, done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop in time")
		return nil
	}
}

// TestRoutingIsolation checks that deltas tagged for one request never land
// in another request's queue, and order within a request is preserved.
func TestRoutingIsolation(t *testing.T) {
	reg := NewRegistry(8, logger.Nop())
	src := newChanSource(16)

	idA := reg.NextID()
	idB := reg.NextID()
	qA := reg.Register(idA)
	qB := reg.Register(idB)

	cancel, done := startDispatcher(t, src, reg, Config{})
	defer func() { cancel(); waitRun(t, done) }()

	src.ch <- Delta{RequestID: idA, Text: "a1"}
	src.ch <- Delta{RequestID: idB, Text: "b1"}
	src.ch <- Delta{RequestID: idA, Text: "a2", IsFinal: true}
	src.ch <- Delta{RequestID: idB, Text: "b2", IsFinal: true}

	recv := func(q <-chan Delta) Delta {
		select {
		case d := <-q:
			return d
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delta")
			return Delta{}
		}
	}

	if d := recv(qA); d.Text != "a1" || d.RequestID != idA {
		t.Fatalf("queue A first delta: %+v", d)
	}
	if d := recv(qA); d.Text != "a2" {
		t.Fatalf("queue A order violated: %+v", d)
	}
	if d := recv(qB); d.Text != "b1" {
		t.Fatalf("queue B first delta: %+v", d)
	}
	if d := recv(qB); d.Text != "b2" {
		t.Fatalf("queue B order violated: %+v", d)
	}
}

// TestUnknownRequestDropped checks that a delta for an unregistered id is
// discarded without disturbing the registry or stopping the loop.
func TestUnknownRequestDropped(t *testing.T) {
	reg := NewRegistry(8, logger.Nop())
	src := newChanSource(16)

	idA := reg.NextID()
	qA := reg.Register(idA)
	before := reg.Active()

	cancel, done := startDispatcher(t, src, reg, Config{})
	defer func() { cancel(); waitRun(t, done) }()

	src.ch <- Delta{RequestID: 9999, Text: "orphan"}
	src.ch <- Delta{RequestID: idA, Text: "alive"}

	select {
	case d := <-qA:
		if d.Text != "alive" {
			t.Fatalf("unexpected delta: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher stopped routing after an orphan delta")
	}
	if reg.Active() != before {
		t.Fatalf("registry size changed: %d -> %d", before, reg.Active())
	}
}

// TestBackpressureDrop saturates one request's queue past the enqueue
// timeout and verifies the dispatcher drops the delta and keeps serving
// other requests.
func TestBackpressureDrop(t *testing.T) {
	reg := NewRegistry(1, logger.Nop())
	src := newChanSource(16)

	idStuck := reg.NextID()
	idLive := reg.NextID()
	qStuck := reg.Register(idStuck)
	qLive := reg.Register(idLive)

	cancel, done := startDispatcher(t, src, reg, Config{EnqueueTimeout: 50 * time.Millisecond})
	defer func() { cancel(); waitRun(t, done) }()

	// Nobody consumes qStuck: the first delta fills the queue, the second
	// must be dropped after the bounded wait.
	src.ch <- Delta{RequestID: idStuck, Text: "fills"}
	src.ch <- Delta{RequestID: idStuck, Text: "dropped"}
	src.ch <- Delta{RequestID: idLive, Text: "flows"}

	select {
	case d := <-qLive:
		if d.Text != "flows" {
			t.Fatalf("unexpected delta: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher hung on a saturated queue")
	}

	if d := <-qStuck; d.Text != "fills" {
		t.Fatalf("stuck queue head: %+v", d)
	}
	select {
	case d := <-qStuck:
		t.Fatalf("dropped delta was delivered: %+v", d)
	default:
	}
}

func TestTransportFatalStopsLoop(t *testing.T) {
	reg := NewRegistry(8, logger.Nop())
	_, done := startDispatcher(t, fatalSource{}, reg, Config{})
	if err := waitRun(t, done); !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("expected transport fatal, got %v", err)
	}
}

// shutdownSource models a worker whose delta channel closes because the
// process is stopping: cancellation and the transport error arrive together.
type shutdownSource struct {
	cancel context.CancelFunc
}

func (s shutdownSource) ReceiveNext(time.Duration) (*Delta, error) {
	s.cancel()
	return nil, ErrTransportFatal
}

// TestTransportClosedDuringShutdown checks that a transport that goes away
// because the context was cancelled is a clean stop, not a fatal error.
func TestTransportClosedDuringShutdown(t *testing.T) {
	reg := NewRegistry(8, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(shutdownSource{cancel: cancel}, reg, Config{}, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("shutdown reported as transport failure: %v", err)
	}
}

func TestNilSourceIsFatal(t *testing.T) {
	d := NewDispatcher(nil, NewRegistry(8, logger.Nop()), Config{}, logger.Nop())
	if err := d.Run(context.Background()); !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("expected transport fatal, got %v", err)
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	reg := NewRegistry(8, logger.Nop())
	src := newChanSource(1)
	cancel, done := startDispatcher(t, src, reg, Config{})
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("cancellation should return nil, got %v", err)
	}
}

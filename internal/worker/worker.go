// Package worker provides the cooperative-cancellation goroutine primitive
// used throughout wraith-core: every long-running task (session receive
// loop, transfer scheduler, pacing timer) embeds a Worker and honors its
// halt channel at each suspension point, per §5 of the transport design.
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines
// which must be stopped and drained deterministically. It is modeled
// directly on the core/worker package the rest of this tree's ancestry
// depends on (client2/connection.go, client2/arq.go, disk.go, decoy.go all
// call w.Go/w.HaltCh/w.Halt/w.Wait).
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Long
// running goroutines select on it at every suspension point.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go starts fn in a new goroutine tracked by this Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt requests cancellation of every goroutine started via Go. It is
// idempotent and safe to call more than once.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// IsHalted reports whether Halt has been called, without blocking.
func (w *Worker) IsHalted() bool {
	w.init()
	select {
	case <-w.haltCh:
		return true
	default:
		return false
	}
}

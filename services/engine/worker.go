// services/engine/worker.go
package engine

import (
	"context"
	"time"

	"cellcontrol-go/devices"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

// A worker owns one device and serialises all I/O against it. Callers submit
// closures and wait with their own deadline; a closure that outlives the
// caller's deadline still runs to completion on the worker goroutine, so the
// serial line never sees interleaved frames. The caller just stops waiting
// and treats the slot as stale for that tick.
type worker struct {
	role types.Role
	dev  devices.Device
	q    chan job
	done chan struct{}
}

type job struct {
	fn   func() error
	done chan error
}

func newWorker(role types.Role, dev devices.Device) *worker {
	return &worker{role: role, dev: dev, q: make(chan job, 8), done: make(chan struct{})}
}

func (w *worker) start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				// Drain queued jobs so no submitter is left waiting.
				for {
					select {
					case j := <-w.q:
						j.done <- errcode.EngineNotRunning
					default:
						return
					}
				}
			case j := <-w.q:
				j.done <- j.fn()
			}
		}
	}()
}

// wait blocks until the worker goroutine has exited, bounded by d.
func (w *worker) wait(d time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(d):
		return false
	}
}

// do runs fn on the worker goroutine and waits for it, bounded by ctx. A full
// queue means the device is wedged mid-transaction: the caller gets Busy
// immediately instead of piling on.
func (w *worker) do(ctx context.Context, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case w.q <- j:
	default:
		return errcode.Busy
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return errcode.ReadTimeout
	}
}

// doTimeout is do with a fixed deadline.
func (w *worker) doTimeout(d time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.do(ctx, fn)
}

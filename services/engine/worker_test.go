package engine

import (
	"context"
	"testing"
	"time"

	"cellcontrol-go/devices"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

func startTestWorker(t *testing.T) *worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := newWorker(types.RolePumpA, devices.NewSimPump(types.RolePumpA, "SIMDOS10"))
	w.start(ctx)
	return w
}

func TestWorkerRunsJobsInOrder(t *testing.T) {
	w := startTestWorker(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if err := w.doTimeout(time.Second, func() error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestWorkerCallerDeadlineDoesNotAbortJob(t *testing.T) {
	w := startTestWorker(t)
	ran := make(chan struct{})
	err := w.doTimeout(20*time.Millisecond, func() error {
		time.Sleep(80 * time.Millisecond)
		close(ran)
		return nil
	})
	if errcode.Of(err) != errcode.ReadTimeout {
		t.Fatalf("err = %v, want read_timeout", err)
	}
	// The job keeps running on the worker even though the caller gave up.
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job was aborted")
	}
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	w := startTestWorker(t)
	block := make(chan struct{})
	go w.doTimeout(time.Second, func() error {
		<-block
		return nil
	})
	time.Sleep(10 * time.Millisecond) // let the blocker occupy the goroutine

	// Fill the queue, then one more must bounce.
	for i := 0; i < cap(w.q); i++ {
		w.q <- job{fn: func() error { return nil }, done: make(chan error, 1)}
	}
	if err := w.doTimeout(time.Second, func() error { return nil }); errcode.Of(err) != errcode.Busy {
		t.Fatalf("err = %v, want busy", err)
	}
	close(block)
}

func TestWorkerDrainsQueueOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(types.RolePumpA, devices.NewSimPump(types.RolePumpA, "SIMDOS10"))
	w.start(ctx)

	block := make(chan struct{})
	go w.doTimeout(time.Second, func() error {
		<-block
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	queued := job{fn: func() error { return nil }, done: make(chan error, 1)}
	w.q <- queued
	cancel()
	close(block)

	// The queued job either ran just before the cancel won the race or was
	// drained with engine_not_running; it must resolve either way.
	select {
	case err := <-queued.done:
		if err != nil && errcode.Of(err) != errcode.EngineNotRunning {
			t.Fatalf("queued job err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued job never resolved")
	}
	if !w.wait(time.Second) {
		t.Fatal("worker did not exit")
	}
}

package main

import (
	"context"
	"errors"
	"os"
	osSignal "os/signal"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeShutdowner struct {
	called chan struct{}
	err    error
}

func (f *fakeShutdowner) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline on the shutdown context")
	}
	f.called <- struct{}{}
	return f.err
}

func stubSignals(t *testing.T, sig os.Signal) {
	t.Helper()
	t.Cleanup(func() {
		signalNotify = osSignal.Notify
	})
	signalNotify = func(ch chan<- os.Signal, _ ...os.Signal) {
		go func() {
			ch <- sig
		}()
	}
}

func TestShutdownSignals(t *testing.T) {
	stubSignals(t, syscall.SIGTERM)

	server := &fakeShutdowner{called: make(chan struct{}, 1)}
	shutdown(server, time.Millisecond, zaptest.NewLogger(t))

	select {
	case <-server.called:
	case <-time.After(time.Second):
		t.Fatalf("expected server shutdown to execute")
	}
}

func TestShutdownToleratesErrors(t *testing.T) {
	stubSignals(t, os.Interrupt)

	server := &fakeShutdowner{called: make(chan struct{}, 1), err: context.DeadlineExceeded}
	shutdown(server, time.Millisecond, zaptest.NewLogger(t))

	select {
	case <-server.called:
	default:
		t.Fatalf("expected server shutdown to execute")
	}
}

func TestNotifyContextCancelsOnSignal(t *testing.T) {
	stubSignals(t, syscall.SIGTERM)

	ctx, stop := notifyContext(context.Background(), zaptest.NewLogger(t))
	defer stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected context to be cancelled by the signal")
	}
}

func TestWatchParentCancelsWhenReparented(t *testing.T) {
	var ppid atomic.Int64
	ppid.Store(100)
	getppid := func() int { return int(ppid.Load()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchParent(ctx, cancel, getppid, 5*time.Millisecond, zaptest.NewLogger(t))

	select {
	case <-ctx.Done():
		t.Fatalf("context cancelled while the parent is alive")
	case <-time.After(30 * time.Millisecond):
	}

	ppid.Store(1)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected context to be cancelled after reparenting")
	}
}

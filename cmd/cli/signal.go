package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SignalContext is cancelled on SIGINT or SIGTERM and remembers which signal
// did it. Signals that arrive after the first are caught and logged until Stop,
// so teardown is never cut short.
type SignalContext struct {
	context.Context
	Cancel func()

	log    *zap.Logger
	sigCh  chan os.Signal
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sigVal os.Signal
}

func NewSignalContext(parent context.Context, log *zap.Logger) *SignalContext {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		log:     log,
		sigCh:   make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
	go sc.loop()
	return sc
}

func (sc *SignalContext) loop() {
	for {
		select {
		case sig := <-sc.sigCh:
			sc.mu.Lock()
			first := sc.sigVal == nil
			if first {
				sc.sigVal = sig
			}
			sc.mu.Unlock()
			if first {
				sc.log.Warn("interrupted", zap.String("signal", sig.String()))
				sc.Cancel()
				continue
			}
			sc.log.Warn("teardown in progress, signal ignored", zap.String("signal", sig.String()))
		case <-sc.done:
			return
		}
	}
}

// Stop releases the signal handler. Signals after Stop have their default effect.
func (sc *SignalContext) Stop() {
	sc.once.Do(func() {
		signal.Stop(sc.sigCh)
		close(sc.done)
		sc.Cancel()
	})
}

// Signal returns the first signal received, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

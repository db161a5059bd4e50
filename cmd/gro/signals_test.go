package main

import (
	"context"
	"os"
	"testing"
	"time"

	"gro/internal/logging"
)

func countMessages(buffer *logging.LogBuffer, message string) int {
	count := 0
	for _, logged := range buffer.Messages(logging.LevelInfo) {
		if logged == message {
			count++
		}
	}
	return count
}

func TestWatchShutdownSignalsCancelsOnFirstSignal(t *testing.T) {
	buffer := logging.NewLogBuffer(16)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelInfo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal)
	stop := watchShutdownSignals(logger, cancel, signalCh)
	defer stop()

	signalCh <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected cancel on first signal")
	}

	signalCh <- os.Interrupt
	signalCh <- os.Interrupt
	// An unbuffered send only completes once the loop has received it, so a
	// final send orders the log checks after the repeats were handled.
	signalCh <- os.Interrupt

	if got := countMessages(buffer, "shutdown signal received"); got != 1 {
		t.Fatalf("expected one shutdown log, got %d", got)
	}
	if got := countMessages(buffer, "shutdown already in progress; ignoring signal"); got != 1 {
		t.Fatalf("expected one repeat log, got %d", got)
	}
}

func TestWatchShutdownSignalsNilChannel(t *testing.T) {
	stop := watchShutdownSignals(nil, func() { t.Fatalf("unexpected cancel") }, nil)
	stop()
	stop()
}

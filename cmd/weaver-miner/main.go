package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/weavernet/weaver/mining"
)

// The miner is a single-shot process: it reads one job frame from stdin,
// searches until it finds a solution, times out, or is preempted, writes at
// most one solution frame to stdout, and exits 0. Anything else is a crash.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		// Channel closed before a job arrived: preempted, not a crash.
		os.Exit(0)
	}

	job := &mining.Job{}
	if err := json.Unmarshal(line, job); err != nil {
		logger.Error("undecodable job", "error", err)
		os.Exit(1)
	}

	// A closed IPC channel is the second preemption signal.
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := reader.Read(buf); err != nil {
				cancel()
				return
			}
		}
	}()

	solution, err := mining.Search(ctx, job)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		logger.Error("search failed", "error", err)
		os.Exit(1)
	}
	if solution == nil {
		// Self-timeout: exit silently, the engine reassembles on the next tip.
		os.Exit(0)
	}

	out, err := json.Marshal(solution)
	if err != nil {
		logger.Error("failed to encode solution", "error", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(out, '\n'))
}

package mining

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/weavernet/weaver/models"
)

// Worker is the engine-side handle of an out-of-process nonce search. The
// process boundary isolates the CPU-bound loop and makes preemption a
// signal, not a synchronization problem.
type Worker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	solutions chan *models.Solution
	exited    chan error

	stopOnce sync.Once
	logger   *slog.Logger
}

// StartWorker forks the miner binary, sends it the job, and starts reading
// its single reply.
func StartWorker(binPath string, args []string, job *Job, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(binPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", binPath, err)
	}

	w := &Worker{
		cmd:       cmd,
		stdin:     stdin,
		solutions: make(chan *models.Solution, 1),
		exited:    make(chan error, 1),
		logger:    logger,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		w.Stop()
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		w.Stop()
		return nil, fmt.Errorf("failed to send job: %w", err)
	}

	go w.readReply(stdout)
	go func() {
		w.exited <- cmd.Wait()
	}()

	return w, nil
}

// readReply decodes the single solution frame, if the worker produces one.
func (w *Worker) readReply(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sol := &models.Solution{}
		if err := json.Unmarshal(line, sol); err != nil {
			w.logger.Warn("undecodable worker message", "error", err)
			continue
		}
		w.solutions <- sol
		return
	}
}

// Solutions delivers at most one solution.
func (w *Worker) Solutions() <-chan *models.Solution {
	return w.solutions
}

// Exited delivers the process exit status. A nil error is a normal exit
// (solution found or self-timeout); non-nil is a crash.
func (w *Worker) Exited() <-chan error {
	return w.exited
}

// Stop preempts the worker: close the IPC channel, send SIGTERM, and let
// the reaper goroutine collect the exit. Fire-and-forget; never blocks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stdin.Close()
		if w.cmd.Process != nil {
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				w.logger.Debug("worker already gone", "error", err)
			}
		}
	})
}

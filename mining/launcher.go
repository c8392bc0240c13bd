package mining

import (
	"log/slog"

	"github.com/weavernet/weaver/models"
)

// Handle is the engine's grip on a running worker.
type Handle interface {
	// Solutions delivers at most one solution.
	Solutions() <-chan *models.Solution

	// Exited delivers the worker's exit status; nil is a normal exit.
	Exited() <-chan error

	// Stop preempts the worker. Idempotent, never blocks.
	Stop()
}

// Launcher forks workers. The process launcher is the production
// implementation; tests substitute their own.
type Launcher interface {
	Launch(job *Job) (Handle, error)
}

// ProcessLauncher forks the miner binary per job.
type ProcessLauncher struct {
	BinPath string
	Args    []string
	Logger  *slog.Logger
}

// Launch starts one worker process for job.
func (l *ProcessLauncher) Launch(job *Job) (Handle, error) {
	return StartWorker(l.BinPath, l.Args, job, l.Logger)
}

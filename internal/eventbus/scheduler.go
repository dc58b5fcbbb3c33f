package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
)

// Job is a named unit of periodic work, e.g. the expiration sweep
// (spec.md §4.9) or the announcement retry tick (§4.8).
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs a fixed set of Jobs on their own tickers, each started
// and stopped against a shared WaitGroup so Stop can block until every
// job's current tick finishes.
type Scheduler struct {
	logger *logging.Logger
	jobs   []Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler with no jobs registered yet.
func NewScheduler(logger *logging.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a job to be ticked once Start is called. Registering
// after Start has no effect on already-running tickers.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per registered job and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(runCtx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				s.logger.Warn("scheduled job failed",
					zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

// Stop cancels every running job and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

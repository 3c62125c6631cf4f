// Package scheduler runs recurring crawl tasks on cron schedules, with a
// task lock around each run so overlapping processes never crawl the
// same task twice.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/tasklock"
)

// Job is one recurring task.
type Job struct {
	// Name doubles as the task lock ID.
	Name string
	// Spec is a standard 5-field cron expression.
	Spec string
	// Run does the work. It must respect ctx cancellation.
	Run func(ctx context.Context) error
}

// Scheduler wraps robfig/cron with per-job task locking.
type Scheduler struct {
	cron  *cron.Cron
	locks *tasklock.Manager
	log   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a Scheduler. Jobs added later run with a context that is
// canceled when Stop is called.
func New(locks *tasklock.Manager, log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		locks:   locks,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Add registers a job. The spec is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, err := s.cron.AddFunc(job.Spec, s.wrap(job)); err != nil {
		return fmt.Errorf("schedule job %q: %w", job.Name, err)
	}
	s.log.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

// wrap builds the cron callback: acquire the task lock, run, release.
// A contended lock means another process is already on it; the run is
// skipped, not failed. A failed run leaves a progress checkpoint behind
// so the next attempt can report what it is retrying; a clean run
// clears it.
func (s *Scheduler) wrap(job Job) func() {
	return func() {
		acquired, err := s.locks.WithLock(s.baseCtx, job.Name, func() error {
			prior, retrying, perr := s.locks.LoadProgress(job.Name)
			if perr != nil {
				s.log.Warn("failed to load job progress", zap.String("job", job.Name), zap.Error(perr))
			}
			if retrying {
				s.log.Info("retrying job after earlier failure",
					zap.String("job", job.Name),
					zap.Any("context", prior),
				)
			}

			runErr := job.Run(s.baseCtx)
			if runErr != nil {
				s.saveFailure(job.Name, prior, runErr)
				return runErr
			}
			if retrying {
				if cerr := s.locks.ClearProgress(job.Name); cerr != nil {
					s.log.Warn("failed to clear job progress", zap.String("job", job.Name), zap.Error(cerr))
				}
			}
			return nil
		})
		switch {
		case err != nil:
			s.log.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		case !acquired:
			s.log.Info("scheduled job skipped, lock held elsewhere", zap.String("job", job.Name))
		default:
			s.log.Debug("scheduled job completed", zap.String("job", job.Name))
		}
	}
}

// saveFailure checkpoints the failure context, carrying the attempt count
// across runs.
func (s *Scheduler) saveFailure(name string, prior map[string]any, runErr error) {
	attempts := 1.0
	if n, ok := prior["attempts"].(float64); ok {
		attempts = n + 1
	}
	perr := s.locks.SaveProgress(name, map[string]any{
		"last_error": runErr.Error(),
		"attempts":   attempts,
	})
	if perr != nil {
		s.log.Warn("failed to save job progress", zap.String("job", name), zap.Error(perr))
	}
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for the cron loop to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

package taskhawk

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/taskhawk/internal/logging"
)

// Scheduler dispatches invocations on cron schedules. Specs include a
// seconds field, e.g. "0 */5 * * * *".
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
}

func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Add registers a cron job that dispatches inv with args and kwargs. Every
// run publishes a new message with a fresh id and timestamp.
func (s *Scheduler) Add(spec string, inv *AsyncInvocation, args []any, kwargs map[string]any) (cron.EntryID, error) {
	if inv == nil {
		return 0, configurationErrorf("scheduled invocation must not be nil")
	}
	return s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		log := s.logger.WithContext(ctx).WithTask(inv.task.name).WithField("spec", spec)

		result, err := inv.DispatchWithKwargs(ctx, kwargs, args...)
		if err != nil {
			log.WithError(err).Error("Failed to dispatch scheduled task")
			return
		}
		id, err := result.Get(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to confirm scheduled task")
			return
		}
		log.WithField("published_id", id).Info("Scheduled task dispatched")
	})
}

func (s *Scheduler) Remove(id cron.EntryID) { s.cron.Remove(id) }

func (s *Scheduler) Entries() []cron.Entry { return s.cron.Entries() }

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and returns a context that is done once running
// jobs have completed.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

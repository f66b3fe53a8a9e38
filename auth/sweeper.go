package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepTask removes state that was already stale at now.
type SweepTask interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SweepFunc adapts a function to SweepTask.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// Sweep implements SweepTask.
func (f SweepFunc) Sweep(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }

type namedTask struct {
	name string
	task SweepTask
}

// Sweeper runs cleanup tasks on a fixed interval until stopped.
type Sweeper struct {
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// OnSweep, when set, observes each task result.
	OnSweep func(task string, removed int, err error)

	mu      sync.Mutex
	tasks   []namedTask
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{interval: interval, logger: logger, now: time.Now}
}

// Add registers a task. Tasks added after Start run from the next tick.
func (s *Sweeper) Add(name string, task SweepTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, namedTask{name: name, task: task})
}

// RunOnce runs every task a single time with a common start time. Task
// errors are logged and do not stop the remaining tasks.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]namedTask(nil), s.tasks...)
	s.mu.Unlock()

	started := s.now()
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		removed, err := t.task.Sweep(ctx, started)
		if err != nil {
			s.logger.Warn("cleanup sweep failed", "task", t.name, "error", err)
		} else if removed > 0 {
			s.logger.Debug("cleanup sweep", "task", t.name, "removed", removed)
		}
		if s.OnSweep != nil {
			s.OnSweep(t.name, removed, err)
		}
	}
}

// Start launches the background loop. It is a no-op if already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stopped)
}

func (s *Sweeper) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

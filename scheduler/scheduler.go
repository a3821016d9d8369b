package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/aupadhyay/smallbot/logging"
)

// RunFunc executes a fired job's prompt and returns the text to deliver.
type RunFunc func(ctx context.Context, job *Job) (string, error)

const fireTimeout = 5 * time.Minute

// Scheduler arms one timer per enabled job and routes firings through a
// RunFunc. Firings of the same scheduler are serialized through the timer
// callback so a slow job delays, not overlaps, its own next run.
type Scheduler struct {
	store  *Store
	run    RunFunc
	logger logging.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler over the given store.
func New(store *Store, run RunFunc, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Scheduler{
		store:  store,
		run:    run,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Start loads enabled jobs and arms their timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs, err := s.store.List(ctx, true)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		s.arm(job)
	}

	s.logger.Info("scheduler.started", "jobs", len(jobs))
	return nil
}

// Stop cancels all timers and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler.stopped")
}

// Create persists a new job and arms it when enabled.
func (s *Scheduler) Create(ctx context.Context, job *Job) error {
	if err := s.store.Create(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		s.arm(job)
	}
	s.logger.Info("scheduler.job.created", "id", job.ID, "name", job.Name, "kind", string(job.Schedule.Kind))
	return nil
}

// Update rewrites a job and rearms its timer.
func (s *Scheduler) Update(ctx context.Context, job *Job) error {
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}
	s.disarm(job.ID)
	if job.Enabled {
		s.arm(job)
	}
	return nil
}

// Delete removes a job and cancels its timer.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.store.Delete(ctx, id)
}

// Jobs lists all persisted jobs.
func (s *Scheduler) Jobs(ctx context.Context) ([]*Job, error) {
	return s.store.List(ctx, false)
}

// Trigger fires a job immediately, bypassing its schedule.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, job)
}

func (s *Scheduler) arm(job *Job) {
	next, ok := job.NextRun(time.Now())
	if !ok {
		s.logger.Debug("scheduler.job.exhausted", "id", job.ID, "name", job.Name)
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[job.ID]; exists {
		timer.Stop()
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onFire(id)
	})

	s.logger.Debug("scheduler.job.armed", "id", job.ID, "next", next.Format(time.RFC3339))
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) onFire(id string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	// Registered under the lock: Stop flips running before it waits, so no
	// Add can race the Wait.
	s.wg.Add(1)
	delete(s.timers, id)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("scheduler.job.load_failed", "id", id, "error", err.Error())
		return
	}
	if !job.Enabled {
		return
	}

	if _, err := s.fire(ctx, job); err != nil {
		s.logger.Error("scheduler.job.failed", "id", id, "name", job.Name, "error", err.Error())
	}

	if job.Schedule.Kind != ScheduleAt {
		s.arm(job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job) (string, error) {
	s.logger.Info("scheduler.job.fire", "id", job.ID, "name", job.Name)
	start := time.Now()

	result, err := s.run(ctx, job)

	outcome := result
	if err != nil {
		outcome = "error: " + err.Error()
	}
	if recErr := s.store.RecordRun(ctx, job.ID, start, outcome); recErr != nil {
		s.logger.Warn("scheduler.job.record_failed", "id", job.ID, "error", recErr.Error())
	}
	return result, err
}

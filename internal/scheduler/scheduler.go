// Package scheduler runs periodic background tasks (autoban scans,
// autogroup scans, system scale refresh) and reports their status. It
// holds one lock per task so overlapping ticks of the same task never
// run concurrently, and holds tasks added via RegisterAfterWarmup behind
// a startup warmup signal.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/new-api-tools/sidecar/internal/logger"
)

// Task is one periodically-run job.
type Task struct {
	Name     string
	Interval time.Duration
	Handler  func(ctx context.Context) error

	mu      sync.Mutex // held for the duration of one run — serializes this task's own ticks
	running bool
	lastRun time.Time
	lastErr error

	afterWarmup bool // added via RegisterAfterWarmup; Start does not launch it
}

// Status is a snapshot of one task's health.
type Status struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	LastRun time.Time `json:"last_run"`
	LastErr string    `json:"last_error,omitempty"`
}

// Scheduler owns the task registry and the warmup gate.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	tasks map[string]*Task

	warmupOnce sync.Once
	warmupDone chan struct{}
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx: ctx, cancel: cancel,
		tasks:      make(map[string]*Task),
		warmupDone: make(chan struct{}),
	}
}

// Register adds a task. It does not start running until Start is
// called (or, for tasks added via RegisterAfterWarmup, until the warmup
// signal fires).
func (s *Scheduler) Register(name string, interval time.Duration, handler func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &Task{Name: name, Interval: interval, Handler: handler}
	logger.Info("scheduler: task registered", zap.String("task", name), zap.Duration("interval", interval))
}

// RegisterAfterWarmup adds a task that only begins ticking once
// SignalWarmupDone is called — used for scans that would otherwise race
// the startup cache warmup.
func (s *Scheduler) RegisterAfterWarmup(name string, interval time.Duration, handler func(ctx context.Context) error) {
	s.mu.Lock()
	task := &Task{Name: name, Interval: interval, Handler: handler, afterWarmup: true}
	s.tasks[name] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.warmupDone:
		case <-s.ctx.Done():
			return
		}
		s.runLoop(task)
	}()
}

// SignalWarmupDone releases every RegisterAfterWarmup task to start
// ticking. Safe to call more than once.
func (s *Scheduler) SignalWarmupDone() {
	s.warmupOnce.Do(func() {
		close(s.warmupDone)
		logger.Info("scheduler: warmup signaled done")
	})
}

// Start begins ticking every task registered so far via Register.
func (s *Scheduler) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.afterWarmup {
			continue
		}
		s.wg.Add(1)
		go func(t *Task) {
			defer s.wg.Done()
			s.runLoop(t)
		}(task)
	}
}

func (s *Scheduler) runLoop(task *Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	s.runOnce(task)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(task)
		}
	}
}

// runOnce executes task.Handler, holding the task's own lock so two
// ticks of the same scan kind never overlap (a tick that arrives while
// the previous run is still going is skipped).
func (s *Scheduler) runOnce(task *Task) {
	if !task.mu.TryLock() {
		logger.Warn("scheduler: skipping tick, previous run still in progress", zap.String("task", task.Name))
		return
	}
	defer task.mu.Unlock()

	task.running = true
	defer func() {
		task.running = false
		task.lastRun = time.Now()
	}()

	if err := task.Handler(s.ctx); err != nil {
		task.lastErr = err
		logger.Error("scheduler: task failed", zap.String("task", task.Name), zap.Error(err))
	} else {
		task.lastErr = nil
	}
}

// Stop cancels every task and waits for the current run (if any) of
// each to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Status reports the current state of every registered task.
func (s *Scheduler) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := Status{Name: t.Name, Running: t.running, LastRun: t.lastRun}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

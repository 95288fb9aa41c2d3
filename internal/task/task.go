package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Result is what a RecurringTask reports after each tick.
type Result int

const (
	// NotComplete asks the scheduler to tick the task again next sweep.
	NotComplete Result = iota
	// Complete removes the task from the scheduler.
	Complete
)

func (r Result) String() string {
	switch r {
	case NotComplete:
		return "not_complete"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// ErrTaskFailure wraps the cause of a task that was removed because its tick
// failed or panicked.
var ErrTaskFailure = errors.New("task failure")

// ErrShutdownTimeout is returned by Run when registered tasks did not
// complete within the shutdown timeout after Stop.
var ErrShutdownTimeout = errors.New("shutdown timeout")

// RecurringTask is a unit of work ticked by the Manager until it reports
// Complete. Tick must not block.
type RecurringTask interface {
	Tick() (Result, error)
}

// Stopper is implemented by tasks that can wind down cooperatively. Tasks
// that implement it keep being ticked after Stop until they report Complete.
type Stopper interface {
	Stop()
}

// Func adapts a plain function to RecurringTask.
type Func func() (Result, error)

// Tick calls f.
func (f Func) Tick() (Result, error) { return f() }

type entry struct {
	name    string
	task    RecurringTask
	stopped bool
}

// Manager is a cooperative scheduler. A single goroutine running Run sweeps
// every registered task once per iteration, in registration order.
type Manager struct {
	logger   *slog.Logger
	interval time.Duration

	mu              sync.Mutex
	tasks           []*entry
	pending         []*entry
	stopRequested   bool
	stopAt          time.Time
	shutdownTimeout time.Duration

	sweeps atomic.Uint64
	wake   chan struct{}
}

// New creates a Manager that pauses interval between sweeps. An interval of
// zero sweeps back to back.
func New(logger *slog.Logger, interval time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("subsystem", "task"),
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// SetShutdownTimeout bounds how long Run keeps sweeping after Stop. Zero
// means wait for the tasks indefinitely.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	m.shutdownTimeout = d
	m.mu.Unlock()
}

// AddRecurringTask registers a task. It is safe to call from any goroutine
// before or during Run; tasks added mid-sweep join at the next sweep.
func (m *Manager) AddRecurringTask(name string, t RecurringTask) {
	m.mu.Lock()
	e := &entry{name: name, task: t}
	m.pending = append(m.pending, e)
	var stopper Stopper
	if m.stopRequested {
		// Late registrations still hear about the stop.
		stopper = m.markStopped(e)
	}
	m.mu.Unlock()

	if stopper != nil {
		stopper.Stop()
	}

	m.logger.Debug("recurring task added", "task", name)
	m.signal()
}

// Stop requests a cooperative shutdown and returns immediately. Tasks that
// implement Stopper are told to stop and keep being ticked until they report
// Complete. Other tasks are dropped after the current sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopRequested {
		m.mu.Unlock()
		return
	}
	m.stopRequested = true
	m.stopAt = time.Now()
	var stoppers []Stopper
	for _, list := range [][]*entry{m.tasks, m.pending} {
		for _, e := range list {
			if s := m.markStopped(e); s != nil {
				stoppers = append(stoppers, s)
			}
		}
	}
	n := len(m.tasks) + len(m.pending)
	m.mu.Unlock()

	m.logger.Info("task manager stopping", "tasks", n, "draining", len(stoppers))
	for _, s := range stoppers {
		s.Stop()
	}
	m.signal()
}

// markStopped flags e as stopped and returns its Stopper, if any, so the
// caller can notify it after releasing m.mu.
func (m *Manager) markStopped(e *entry) Stopper {
	if e.stopped {
		return nil
	}
	e.stopped = true
	s, _ := e.task.(Stopper)
	return s
}

// Len returns the number of registered tasks, including ones added since
// the last sweep.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks) + len(m.pending)
}

// Sweeps returns the number of completed sweeps.
func (m *Manager) Sweeps() uint64 {
	return m.sweeps.Load()
}

// Run drives the registered tasks until all of them have completed. It
// returns nil once the task set is empty, ctx.Err() if ctx is cancelled, or
// an error wrapping ErrShutdownTimeout when tasks outlive the shutdown bound.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("task manager started")

	var timer *time.Timer
	if m.interval > 0 {
		timer = time.NewTimer(m.interval)
		defer timer.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			m.logger.Warn("task manager aborted", "error", err, "tasks", m.Len())
			return err
		}

		tasks := m.merge()
		if len(tasks) == 0 {
			m.logger.Info("task manager finished, no tasks remaining")
			return nil
		}

		m.sweep(tasks)
		m.sweeps.Add(1)

		if err := m.checkShutdownTimeout(); err != nil {
			return err
		}

		if timer == nil {
			continue
		}
		timer.Reset(m.interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-m.wake:
			timer.Stop()
		}
	}
}

// merge folds pending registrations into the active list and returns a
// snapshot of it.
func (m *Manager) merge() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > 0 {
		m.tasks = append(m.tasks, m.pending...)
		m.pending = nil
	}
	out := make([]*entry, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// sweep ticks every task once and removes the ones that completed, failed,
// or were stopped without being able to drain.
func (m *Manager) sweep(tasks []*entry) {
	done := make(map[*entry]bool)
	for _, e := range tasks {
		res, err := m.tick(e)
		switch {
		case err != nil:
			m.logger.Error("task failed, removing",
				"task", e.name,
				"error", fmt.Errorf("%w: %s: %w", ErrTaskFailure, e.name, err),
			)
			done[e] = true
		case res == Complete:
			m.logger.Debug("task complete", "task", e.name)
			done[e] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tasks[:0]
	for _, e := range m.tasks {
		if done[e] {
			continue
		}
		if e.stopped {
			if _, ok := e.task.(Stopper); !ok {
				m.logger.Debug("task dropped on stop", "task", e.name)
				continue
			}
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.tasks); i++ {
		m.tasks[i] = nil
	}
	m.tasks = kept
}

// tick runs one tick, converting a panic into an error.
func (m *Manager) tick(e *entry) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return e.task.Tick()
}

func (m *Manager) checkShutdownTimeout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopRequested || m.shutdownTimeout <= 0 || len(m.tasks) == 0 {
		return nil
	}
	if time.Since(m.stopAt) < m.shutdownTimeout {
		return nil
	}
	names := make([]string, 0, len(m.tasks))
	for _, e := range m.tasks {
		names = append(names, e.name)
	}
	m.logger.Error("tasks did not complete before shutdown timeout",
		"timeout", m.shutdownTimeout,
		"tasks", names,
	)
	return fmt.Errorf("%w: still running: %s", ErrShutdownTimeout, strings.Join(names, ", "))
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type TaskKind string

const (
	TaskFetch    TaskKind = "fetch"
	TaskValidate TaskKind = "validate"
)

func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case TaskFetch, TaskValidate:
		return TaskKind(s), nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

type Task struct {
	ID          string     `json:"id,omitempty"`
	Kind        TaskKind   `json:"kind"`
	State       TaskState  `json:"state"`
	ProgressPct float64    `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (t Task) Running() bool { return t.State == TaskRunning }

type TriggerResult string

const (
	TriggerStarted        TriggerResult = "started"
	TriggerAlreadyRunning TriggerResult = "already_running"
)

// TaskFunc is the body of a task. report takes a percentage in [0,100].
type TaskFunc func(ctx context.Context, report func(pct float64)) error

type taskSlot struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskRegistry runs at most one task per kind and keeps the last one's
// status around until the next trigger replaces it.
type TaskRegistry struct {
	mu    sync.Mutex
	slots map[TaskKind]*taskSlot

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func NewTaskRegistry(log zerolog.Logger) *TaskRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		slots:  make(map[TaskKind]*taskSlot, 2),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Trigger starts fn as the task of kind unless one is already running.
// The check and the start happen under one lock, so of two concurrent
// triggers exactly one starts.
func (r *TaskRegistry) Trigger(kind TaskKind, fn TaskFunc) (TriggerResult, Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[kind]; ok && s.task.Running() {
		return TriggerAlreadyRunning, s.task
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(r.ctx)
	s := &taskSlot{
		task: Task{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     TaskRunning,
			StartedAt: &now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.slots[kind] = s
	r.log.Info().Str("task", string(kind)).Str("id", s.task.ID).Msg("task started")

	go r.run(ctx, s, fn)
	return TriggerStarted, s.task
}

func (r *TaskRegistry) run(ctx context.Context, s *taskSlot, fn TaskFunc) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
		r.finish(s, err)
	}()
	err = fn(ctx, func(pct float64) { r.report(s, pct) })
}

func (r *TaskRegistry) report(s *taskSlot, pct float64) {
	pct = min(max(pct, 0), 100)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.task.Running() && pct > s.task.ProgressPct {
		s.task.ProgressPct = pct
	}
}

func (r *TaskRegistry) finish(s *taskSlot, err error) {
	r.mu.Lock()
	now := time.Now()
	ok := err == nil
	s.task.State = TaskCompleted
	s.task.FinishedAt = &now
	s.task.Success = &ok
	if ok {
		s.task.ProgressPct = 100
	} else {
		s.task.Error = err.Error()
	}
	task := s.task
	s.cancel()
	close(s.done)
	r.mu.Unlock()

	ev := r.log.Info()
	if !ok {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("task", string(task.Kind)).Str("id", task.ID).
		Dur("took", now.Sub(*task.StartedAt)).Msg("task finished")
}

// Status returns a snapshot; a kind that never ran is Idle.
func (r *TaskRegistry) Status(kind TaskKind) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[kind]; ok {
		return s.task
	}
	return Task{Kind: kind, State: TaskIdle}
}

// Cancel asks the running task of kind to stop. The task still ends in
// Completed, with success=false.
func (r *TaskRegistry) Cancel(kind TaskKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[kind]
	if !ok || !s.task.Running() {
		return fmt.Errorf("%s task: %w", kind, ErrNotRunning)
	}
	s.cancel()
	r.log.Info().Str("task", string(kind)).Str("id", s.task.ID).Msg("task cancel requested")
	return nil
}

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed when the current task of kind finishes. For a kind that
// never ran it is already closed.
func (r *TaskRegistry) Done(kind TaskKind) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[kind]; ok {
		return s.done
	}
	return closedCh
}

// Shutdown cancels every task and waits for them until ctx expires.
func (r *TaskRegistry) Shutdown(ctx context.Context) error {
	r.cancel()
	r.mu.Lock()
	waits := make([]chan struct{}, 0, len(r.slots))
	for _, s := range r.slots {
		waits = append(waits, s.done)
	}
	r.mu.Unlock()
	for _, c := range waits {
		select {
		case <-c:
		case <-ctx.Done():
			return errors.Join(ctx.Err(), errors.New("tasks still running"))
		}
	}
	return nil
}

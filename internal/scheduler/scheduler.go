package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// missedWindow bounds how late a one-shot task may still fire after a
// restart.
const missedWindow = 24 * time.Hour

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task) error

// Scheduler manages task timers and records executions.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc) *Scheduler {
	return &Scheduler{
		logger:  logger,
		store:   store,
		execute: execute,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks, arms their timers, and catches up one-shot
// tasks that came due while the process was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks("", true)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		s.scheduleTask(task)
	}
	s.logger.Debug("scheduler started", "tasks", len(tasks))

	s.checkMissedExecutions(ctx, tasks)
	return nil
}

// Stop cancels all timers and waits for running executions.
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
	s.logger.Info("scheduler stopped")
}

// CreateTask adds a new task and schedules it.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}

	if task.Enabled {
		s.scheduleTask(task)
	}

	s.logger.Info("task created",
		"id", task.ID,
		"conversation", task.ConversationID,
		"schedule", task.Schedule.Kind,
		"input", task.Schedule.Input(),
	)
	return nil
}

// DeleteTask cancels and removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)

	if err := s.store.DeleteTask(id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns enabled tasks for a conversation, or for all
// conversations when conversationID is empty.
func (s *Scheduler) ListTasks(conversationID string) ([]*Task, error) {
	return s.store.ListTasks(conversationID, true)
}

// GetTaskExecutions returns execution history for a task.
func (s *Scheduler) GetTaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask immediately executes a task, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, s.now())
}

func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(s.now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID)
		return
	}

	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}

	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onTaskFire(id, next)
	})

	s.logger.Debug("task scheduled", "id", id, "next", next, "delay", delay)
}

func (s *Scheduler) onTaskFire(taskID string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	delete(s.timers, taskID)
	s.mu.Unlock()
	defer s.wg.Done()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("failed to get task for execution", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.executeTask(ctx, task, scheduledAt); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	s.afterRun(task)
}

// afterRun re-arms recurring tasks and retires one-shot tasks.
func (s *Scheduler) afterRun(task *Task) {
	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
		return
	}
	task.Enabled = false
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Warn("failed to retire one-shot task", "id", task.ID, "error", err)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"conversation", task.ConversationID,
		"execution_id", exec.ID,
	)

	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, task)
	}

	completed := s.now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(started),
	)

	return exec, execErr
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions fires one-shot tasks that came due within the
// missed window and retires the older ones with a skipped record.
func (s *Scheduler) checkMissedExecutions(ctx context.Context, tasks []*Task) {
	now := s.now()
	for _, task := range tasks {
		if task.Schedule.Kind != ScheduleAt || task.Schedule.At == nil || task.Schedule.At.After(now) {
			continue
		}

		due := *task.Schedule.At
		if now.Sub(due) > missedWindow {
			_ = s.store.CreateExecution(&Execution{
				TaskID:      task.ID,
				ScheduledAt: due,
				Status:      StatusSkipped,
				Result:      "missed execution window (>24h)",
			})
			s.logger.Info("skipped stale task", "id", task.ID, "scheduled", due)
		} else {
			s.logger.Info("catching up missed task", "id", task.ID, "scheduled", due)
			_, _ = s.executeTask(ctx, task, due)
		}
		s.afterRun(task)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	tasks, _ := s.store.ListTasks("", false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nugget/vektra-agent/internal/scheduler"
)

// ScheduledTaskPrefix starts the user message a fired task injects.
const ScheduledTaskPrefix = "Running scheduled task: "

func (r *Registry) registerScheduleTools() {
	if r.scheduler == nil {
		return
	}

	r.Register(&Tool{
		Name:        "scheduleTask",
		Description: "A tool to schedule a task to be executed at a later time",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{"type": "string"},
				"when": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type":        "string",
							"enum":        []string{"scheduled", "delayed", "cron", "no-schedule"},
							"description": "The type of scheduling details",
						},
						"date": map[string]any{
							"type":        "string",
							"description": "execute task at the specified date and time (only use if the type is scheduled)",
						},
						"delayInSeconds": map[string]any{
							"type":        "number",
							"description": "execute task after a delay in seconds (only use if the type is delayed)",
						},
						"cron": map[string]any{
							"type":        "string",
							"description": "execute task on a recurring interval specified as cron syntax (only use if the type is cron)",
						},
					},
					"required": []string{"type"},
				},
			},
			"required": []string{"description", "when"},
		},
		Handler: r.handleScheduleTask,
	})

	r.Register(&Tool{
		Name:        "getScheduledTasks",
		Description: "List all tasks that have been scheduled",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleGetScheduledTasks,
	})

	r.Register(&Tool{
		Name:        "cancelScheduledTask",
		Description: "Cancel a scheduled task using its ID",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"taskId": map[string]any{
					"type":        "string",
					"description": "The ID of the task to cancel",
				},
			},
			"required": []string{"taskId"},
		},
		Handler: r.handleCancelScheduledTask,
	})
}

func (r *Registry) handleScheduleTask(ctx context.Context, args map[string]any) (string, error) {
	description := stringArg(args, "description")
	when, _ := args["when"].(map[string]any)
	kind := stringArg(when, "type")

	if kind == "no-schedule" {
		return "Not a valid schedule input", nil
	}

	now := r.now()
	var (
		sched scheduler.Schedule
		input string
	)
	switch kind {
	case "scheduled":
		input = stringArg(when, "date")
		at, err := parseDate(input, now.Location())
		if err != nil {
			return "", failed("scheduling task", err)
		}
		if !at.After(now) {
			return "", failed("scheduling task", fmt.Errorf("date %s is in the past", input))
		}
		sched = scheduler.At(at)
	case "delayed":
		delay, ok := when["delayInSeconds"].(float64)
		if !ok || delay <= 0 {
			return "", failed("scheduling task", errors.New("delayInSeconds must be a positive number"))
		}
		input = strconv.FormatFloat(delay, 'f', -1, 64)
		sched = scheduler.After(now, time.Duration(delay*float64(time.Second)))
	case "cron":
		input = stringArg(when, "cron")
		var err error
		if sched, err = scheduler.Cron(input); err != nil {
			return "", failed("scheduling task", err)
		}
	default:
		return "", failed("scheduling task", errors.New("not a valid schedule input"))
	}

	task := &scheduler.Task{
		ConversationID: ConversationIDFromContext(ctx),
		Description:    description,
		Schedule:       sched,
		Enabled:        true,
		CreatedBy:      "agent",
	}
	if err := r.scheduler.CreateTask(task); err != nil {
		return "", failed("scheduling task", err)
	}
	return fmt.Sprintf("Task scheduled for type %q : %s", kind, input), nil
}

// parseDate accepts RFC 3339 and the common shorter forms models emit.
// Forms without a zone are read in loc.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date is required for scheduled tasks")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

// scheduledTask is the listing shape returned to the model.
type scheduledTask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Input       string `json:"input"`
	NextRun     string `json:"nextRun,omitempty"`
}

func (r *Registry) handleGetScheduledTasks(ctx context.Context, _ map[string]any) (string, error) {
	tasks, err := r.scheduler.ListTasks(ConversationIDFromContext(ctx))
	if err != nil {
		return "", failed("listing scheduled tasks", err)
	}
	if len(tasks) == 0 {
		return "No scheduled tasks found.", nil
	}

	now := r.now()
	out := make([]scheduledTask, 0, len(tasks))
	for _, t := range tasks {
		st := scheduledTask{
			ID:          t.ID,
			Description: t.Description,
			Type:        string(t.Schedule.Kind),
			Input:       t.Schedule.Input(),
		}
		if next, ok := t.NextRun(now); ok {
			st.NextRun = next.Format(time.RFC3339)
		}
		out = append(out, st)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", failed("listing scheduled tasks", err)
	}
	return string(data), nil
}

func (r *Registry) handleCancelScheduledTask(ctx context.Context, args map[string]any) (string, error) {
	id := stringArg(args, "taskId")

	task, err := r.scheduler.GetTask(id)
	if err == nil && task.ConversationID != ConversationIDFromContext(ctx) {
		err = scheduler.ErrTaskNotFound
	}
	if err == nil {
		err = r.scheduler.DeleteTask(id)
	}
	if err != nil {
		return "", failed("canceling task "+id, err)
	}
	return fmt.Sprintf("Task %s has been successfully canceled.", id), nil
}

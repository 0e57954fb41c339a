package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aristath/taskd/internal/task"
	"github.com/aristath/taskd/internal/taskmanager"
)

var validate = validator.New()

// DependencyRequest references another task in a submission.
type DependencyRequest struct {
	TaskID         string `json:"task_id" validate:"required"`
	RequiredStatus string `json:"required_status,omitempty" validate:"omitempty,oneof=completed failed cancelled"`
}

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	ID             string              `json:"id,omitempty" validate:"omitempty,max=128"`
	Name           string              `json:"name,omitempty" validate:"max=256"`
	Type           string              `json:"type" validate:"required"`
	Params         json.RawMessage     `json:"params,omitempty"`
	Priority       string              `json:"priority,omitempty"`
	Dependencies   []DependencyRequest `json:"dependencies,omitempty" validate:"dive"`
	ScheduleTime   *time.Time          `json:"schedule_time,omitempty"`
	TimeoutSeconds float64             `json:"timeout_seconds,omitempty" validate:"gte=0"`
	MaxRetries     *int                `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
}

// RecurringRequest is the body of POST /recurring.
type RecurringRequest struct {
	Schedule string `json:"schedule" validate:"required"`
	SubmitRequest
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	ID string `json:"id"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &task.ValidationError{Field: "body", Reason: err.Error()}
	}
	return validate.Struct(v)
}

// options converts the request into submission options.
func (req SubmitRequest) options() ([]taskmanager.SubmitOption, error) {
	var opts []taskmanager.SubmitOption

	if req.ID != "" {
		opts = append(opts, taskmanager.WithTaskID(req.ID))
	}
	if req.Priority != "" {
		p, err := task.ParsePriority(req.Priority)
		if err != nil {
			return nil, &task.ValidationError{Field: "priority", Reason: err.Error()}
		}
		opts = append(opts, taskmanager.WithPriority(p))
	}
	if len(req.Dependencies) > 0 {
		deps := make([]task.Dependency, 0, len(req.Dependencies))
		for _, d := range req.Dependencies {
			deps = append(deps, task.Dependency{TaskID: d.TaskID, RequiredStatus: task.Status(d.RequiredStatus)})
		}
		opts = append(opts, taskmanager.WithDependencies(deps...))
	}
	if req.ScheduleTime != nil {
		opts = append(opts, taskmanager.WithScheduleTime(*req.ScheduleTime))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, taskmanager.WithTimeout(time.Duration(req.TimeoutSeconds*float64(time.Second))))
	}
	if req.MaxRetries != nil {
		opts = append(opts, taskmanager.WithMaxRetries(*req.MaxRetries))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, taskmanager.WithMetadata(req.Metadata))
	}
	return opts, nil
}

// params returns the raw params, or nil when absent.
func (req SubmitRequest) params() any {
	if len(req.Params) == 0 {
		return nil
	}
	return req.Params
}

func parseStatus(s string) (task.Status, error) {
	st, err := task.ParseStatus(s)
	if err != nil {
		return "", &task.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

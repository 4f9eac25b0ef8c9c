package schedule

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/logger"
)

// Service owns the schedule lifecycle: creation with validation, status
// transitions, edits and deletion. Firing is the Ticker's job.
type Service struct {
	store      *Store
	executions *ExecutionStore
	planner    *Planner
	registry   *job.Registry
	now        func() time.Time
	log        *zap.SugaredLogger
}

// NewService wires a schedule service. The registry validates the stored job
// payload's action types at creation rather than at the first firing.
func NewService(store *Store, executions *ExecutionStore, planner *Planner, registry *job.Registry, log *zap.SugaredLogger) *Service {
	return &Service{
		store:      store,
		executions: executions,
		planner:    planner,
		registry:   registry,
		now:        time.Now,
		log:        log.Named("schedule"),
	}
}

// CreateScheduleRequest carries everything needed to define a schedule.
// JobConfig is a job creation payload stored verbatim and replayed on every
// firing.
type CreateScheduleRequest struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	JobConfig      json.RawMessage `json:"job_config"`
	ScheduleType   string          `json:"schedule_type"`
	ScheduleConfig json.RawMessage `json:"schedule_config"`
}

// UpdateScheduleRequest edits a schedule. Nil fields keep their current
// value; ScheduleType and ScheduleConfig travel together.
type UpdateScheduleRequest struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	JobConfig      json.RawMessage `json:"job_config,omitempty"`
	ScheduleType   *string         `json:"schedule_type,omitempty"`
	ScheduleConfig json.RawMessage `json:"schedule_config,omitempty"`
}

// CreateScheduledJob validates the request, computes the first firing time
// and persists the schedule active.
func (s *Service) CreateScheduledJob(ctx context.Context, req CreateScheduleRequest) (*ScheduledJob, error) {
	if req.Name == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "schedule name is required")
	}
	if !IsValidType(req.ScheduleType) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule type %q", req.ScheduleType)
	}
	schedType := Type(req.ScheduleType)

	if err := s.planner.Validate(schedType, req.ScheduleConfig); err != nil {
		return nil, err
	}
	if err := s.validateJobConfig(req.JobConfig); err != nil {
		return nil, err
	}

	sj := NewScheduledJob(req.Name, req.Description, req.JobConfig, schedType, req.ScheduleConfig)
	next, err := s.planner.Next(schedType, req.ScheduleConfig, s.now())
	if err != nil {
		return nil, err
	}
	sj.NextExecutionAt = &next

	if err := s.store.Create(ctx, sj); err != nil {
		return nil, err
	}
	s.log.Infow("schedule created",
		logger.FieldScheduleID, sj.ID,
		"type", string(sj.ScheduleType),
		logger.FieldNextRun, next.Format(time.RFC3339))
	return sj, nil
}

// GetScheduledJob returns one schedule by id.
func (s *Service) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	return s.store.Get(ctx, id)
}

// ListScheduledJobs returns schedules, optionally filtered by status.
func (s *Service) ListScheduledJobs(ctx context.Context, status *Status) ([]*ScheduledJob, error) {
	return s.store.List(ctx, status)
}

// ListExecutions returns a schedule's firing history, newest first.
func (s *Service) ListExecutions(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.executions.ListBySchedule(ctx, id, limit)
}

// UpdateScheduledJob edits a schedule's definition. Finished schedules are
// history and cannot be edited. An active schedule whose timetable changed
// gets its next firing recomputed.
func (s *Service) UpdateScheduledJob(ctx context.Context, id string, req UpdateScheduleRequest) (*ScheduledJob, error) {
	sj, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sj.Status.Terminal() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "schedule %s is %s and cannot be edited", id, sj.Status)
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "schedule name is required")
		}
		sj.Name = *req.Name
	}
	if req.Description != nil {
		sj.Description = *req.Description
	}
	if len(req.JobConfig) > 0 {
		if err := s.validateJobConfig(req.JobConfig); err != nil {
			return nil, err
		}
		sj.JobConfig = req.JobConfig
	}

	timetableChanged := false
	if req.ScheduleType != nil || len(req.ScheduleConfig) > 0 {
		if req.ScheduleType == nil || len(req.ScheduleConfig) == 0 {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "schedule type and config must be updated together")
		}
		if !IsValidType(*req.ScheduleType) {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule type %q", *req.ScheduleType)
		}
		if err := s.planner.Validate(Type(*req.ScheduleType), req.ScheduleConfig); err != nil {
			return nil, err
		}
		sj.ScheduleType = Type(*req.ScheduleType)
		sj.ScheduleConfig = req.ScheduleConfig
		timetableChanged = true
	}

	if timetableChanged && sj.Status == StatusActive {
		next, err := s.planner.Next(sj.ScheduleType, sj.ScheduleConfig, s.now())
		if err != nil {
			return nil, err
		}
		sj.NextExecutionAt = &next
	}

	if err := s.store.Update(ctx, sj); err != nil {
		return nil, err
	}
	s.log.Infow("schedule updated", logger.FieldScheduleID, id)
	return s.store.Get(ctx, id)
}

// UpdateScheduledJobStatus pauses, resumes or cancels a schedule. Resuming
// recomputes the next firing from now; a once schedule whose instant already
// passed cannot be resumed. The completed and failed states are recorded by
// the engine, never set by hand.
func (s *Service) UpdateScheduledJobStatus(ctx context.Context, id string, status Status) (*ScheduledJob, error) {
	if !IsValidStatus(string(status)) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule status %q", status)
	}

	sj, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sj.Status == status {
		return sj, nil
	}

	var next *time.Time
	switch status {
	case StatusActive:
		if sj.Status != StatusPaused {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "cannot resume a %s schedule", sj.Status)
		}
		n, err := s.planner.Next(sj.ScheduleType, sj.ScheduleConfig, s.now())
		if err != nil {
			return nil, err
		}
		next = &n
	case StatusPaused:
		if sj.Status != StatusActive {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "cannot pause a %s schedule", sj.Status)
		}
	case StatusCanceled:
		if sj.Status.Terminal() {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "schedule %s is already %s", id, sj.Status)
		}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "schedule status %s is set by the engine", status)
	}

	if err := s.store.UpdateStatus(ctx, id, status, next); err != nil {
		return nil, err
	}
	s.log.Infow("schedule status changed",
		logger.FieldScheduleID, id,
		logger.FieldStatus, string(status))
	return s.store.Get(ctx, id)
}

// DeleteScheduledJob removes a schedule and its execution history.
func (s *Service) DeleteScheduledJob(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("schedule deleted", logger.FieldScheduleID, id)
	return nil
}

// validateJobConfig checks the stored job payload statically: it must
// unmarshal, carry at least one step, and name only registered actions with
// sane targeting. Group membership is resolved at firing time, not here.
func (s *Service) validateJobConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "job config is required")
	}
	var req job.CreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid job config: %v", err)
	}
	if len(req.Steps) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "job config needs at least one step")
	}
	for i, def := range req.Steps {
		if err := s.registry.Validate(def.ActionType); err != nil {
			return errors.Wrapf(err, "job config step %d", i+1)
		}
		spec, _ := s.registry.Get(job.ActionType(def.ActionType))
		if spec.ControlFlow {
			if len(def.AccountIDs) > 0 || len(def.GroupIDs) > 0 {
				return errors.Wrapf(errors.ErrInvalidRequest,
					"job config step %d: %s takes no accounts", i+1, def.ActionType)
			}
			continue
		}
		if len(def.AccountIDs) == 0 && len(def.GroupIDs) == 0 {
			return errors.Wrapf(errors.ErrInvalidRequest,
				"job config step %d: no accounts or groups targeted", i+1)
		}
	}
	return nil
}

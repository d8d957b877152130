package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// ValidationError rejects a task at the creation boundary; the task is never
// persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

var validate = validator.New()

// RecurringInput carries the recurring sub-config of a creation request.
type RecurringInput struct {
	Type          RecurringKind `json:"type" validate:"required,oneof=interval daily cron"`
	Interval      int           `json:"interval"`
	IntervalUnit  IntervalUnit  `json:"intervalUnit"`
	DailyTime     string        `json:"dailyTime"`
	CronExpr      string        `json:"cronExpr"`
	MaxExecutions int           `json:"maxExecutions" validate:"required,min=1,max=1000"`
}

// CreateTaskInput is the exposed task-creation contract.
type CreateTaskInput struct {
	Title       string `json:"title" validate:"required"`
	Content     string `json:"content" validate:"required"`
	Description string `json:"description"`
	Type        string `json:"type" validate:"omitempty,oneof=notification message announcement"`

	PushMode      PushMode        `json:"pushMode" validate:"required,oneof=immediate scheduled recurring"`
	ScheduledTime *time.Time      `json:"scheduledTime"`
	Recurring     *RecurringInput `json:"recurringConfig"`

	TargetType    TargetType `json:"targetType" validate:"required,oneof=all specific role"`
	TargetUserIDs []string   `json:"targetUserIds"`
	TargetRoleIDs []string   `json:"targetRoleIds"`

	NotifyOnSuccess bool   `json:"notifyOnSuccess"`
	SuccessTitle    string `json:"successTitle"`
	SuccessBody     string `json:"successBody"`

	CreatorID   string `json:"-"`
	CreatorName string `json:"-"`
}

// ValidateCreate checks the full creation contract against now. Tag-level
// rules run first, then the cross-field rules tags cannot express.
func ValidateCreate(in CreateTaskInput, now time.Time) error {
	if err := validate.Struct(&in); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			return invalid(f.Field(), fmt.Sprintf("failed %q rule", f.Tag()))
		}
		return err
	}

	switch in.PushMode {
	case ModeImmediate:
		if in.ScheduledTime != nil || in.Recurring != nil {
			return invalid("pushMode", "immediate mode takes no schedule config")
		}
	case ModeScheduled:
		if in.Recurring != nil {
			return invalid("recurringConfig", "not allowed for scheduled mode")
		}
		if in.ScheduledTime == nil {
			return invalid("scheduledTime", "required for scheduled mode")
		}
		if !in.ScheduledTime.After(now) {
			return invalid("scheduledTime", "must be in the future")
		}
	case ModeRecurring:
		if in.ScheduledTime != nil {
			return invalid("scheduledTime", "not allowed for recurring mode")
		}
		if in.Recurring == nil {
			return invalid("recurringConfig", "required for recurring mode")
		}
		if err := validateRecurring(*in.Recurring); err != nil {
			return err
		}
	}

	switch in.TargetType {
	case TargetSpecific:
		if len(in.TargetUserIDs) == 0 {
			return invalid("targetUserIds", "required for specific targeting")
		}
	case TargetRole:
		if len(in.TargetRoleIDs) == 0 {
			return invalid("targetRoleIds", "required for role targeting")
		}
	}

	if in.NotifyOnSuccess && (in.SuccessTitle == "" || in.SuccessBody == "") {
		return invalid("notifyOnSuccess", "successTitle and successBody are required")
	}
	return nil
}

func validateRecurring(rc RecurringInput) error {
	switch rc.Type {
	case RecurInterval:
		if rc.Interval < 1 {
			return invalid("recurringConfig.interval", "must be at least 1")
		}
		if _, err := rc.IntervalUnit.Duration(); err != nil {
			return invalid("recurringConfig.intervalUnit", "must be minutes, hours or days")
		}
	case RecurDaily:
		if _, _, err := ParseClock(rc.DailyTime); err != nil {
			return invalid("recurringConfig.dailyTime", "must be HH:mm")
		}
	case RecurCron:
		if _, err := cron.ParseStandard(rc.CronExpr); err != nil {
			return invalid("recurringConfig.cronExpr", "must be a standard cron expression")
		}
	}
	return nil
}

// NewTask builds a PushTask from a validated creation input. The recurring
// NextRunAt is left zero; the caller seeds it with the calculator.
func NewTask(in CreateTaskInput, now time.Time) (PushTask, error) {
	if err := ValidateCreate(in, now); err != nil {
		return PushTask{}, err
	}
	t := PushTask{
		Title:           in.Title,
		Content:         in.Content,
		Description:     in.Description,
		Type:            in.Type,
		Mode:            in.PushMode,
		ScheduledAt:     in.ScheduledTime,
		TargetType:      in.TargetType,
		TargetUserIDs:   in.TargetUserIDs,
		TargetRoleIDs:   in.TargetRoleIDs,
		NotifyOnSuccess: in.NotifyOnSuccess,
		SuccessTitle:    in.SuccessTitle,
		SuccessBody:     in.SuccessBody,
		Status:          StatusActive,
		PushStatus:      InitialPushStatus(in.PushMode),
		CreatorID:       in.CreatorID,
		CreatorName:     in.CreatorName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.Type == "" {
		t.Type = "notification"
	}
	if in.Recurring != nil {
		t.Recurring = &RecurringConfig{
			Kind:          in.Recurring.Type,
			Every:         in.Recurring.Interval,
			Unit:          in.Recurring.IntervalUnit,
			At:            in.Recurring.DailyTime,
			Expr:          in.Recurring.CronExpr,
			MaxExecutions: in.Recurring.MaxExecutions,
		}
	}
	return t, nil
}

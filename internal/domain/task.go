package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PushMode is fixed at creation and never changes afterwards.
type PushMode string

const (
	ModeImmediate PushMode = "immediate"
	ModeScheduled PushMode = "scheduled"
	ModeRecurring PushMode = "recurring"
)

// TaskStatus is the administrative on/off switch, independent of execution
// progress. An inactive task is skipped by the poller but keeps its state.
type TaskStatus string

const (
	StatusActive   TaskStatus = "active"
	StatusInactive TaskStatus = "inactive"
)

// PushStatus is the execution-lifecycle state machine.
type PushStatus string

const (
	PushDraft     PushStatus = "draft"
	PushSending   PushStatus = "sending"
	PushSent      PushStatus = "sent"
	PushFailed    PushStatus = "failed"
	PushCompleted PushStatus = "completed"
)

// Terminal reports whether no further poll tick may mutate the task.
func (s PushStatus) Terminal() bool {
	return s == PushSent || s == PushFailed || s == PushCompleted
}

type TargetType string

const (
	TargetAll      TargetType = "all"
	TargetSpecific TargetType = "specific"
	TargetRole     TargetType = "role"
)

type RecurringKind string

const (
	RecurInterval RecurringKind = "interval"
	RecurDaily    RecurringKind = "daily"
	RecurCron     RecurringKind = "cron"
)

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
)

// Duration returns the length of one unit.
func (u IntervalUnit) Duration() (time.Duration, error) {
	switch u {
	case UnitMinutes:
		return time.Minute, nil
	case UnitHours:
		return time.Hour, nil
	case UnitDays:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown interval unit %q", string(u))
	}
}

// RecurringConfig describes a bounded series of executions. Kind selects the
// variant: interval uses Every+Unit, daily uses At ("HH:mm"), cron uses Expr
// (standard five-field expression, evaluated in server-local time).
type RecurringConfig struct {
	Kind          RecurringKind
	Every         int
	Unit          IntervalUnit
	At            string
	Expr          string
	NextRunAt     time.Time
	ExecutedCount int
	MaxExecutions int
}

// Exhausted reports whether the series has used up its execution budget.
func (c RecurringConfig) Exhausted() bool {
	return c.ExecutedCount >= c.MaxExecutions
}

// PushTask is the central entity: a persisted request to deliver a
// notification, once or repeatedly, to a resolved audience.
type PushTask struct {
	ID          string
	Title       string
	Content     string
	Description string
	Type        string // notification|message|announcement

	Mode        PushMode
	ScheduledAt *time.Time       // mode=scheduled only
	Recurring   *RecurringConfig // mode=recurring only

	TargetType    TargetType
	TargetUserIDs []string
	TargetRoleIDs []string

	NotifyOnSuccess bool
	SuccessTitle    string
	SuccessBody     string

	Status     TaskStatus
	PushStatus PushStatus

	TotalSent      int
	TotalRead      int
	LastExecutedAt *time.Time

	CreatorID   string
	CreatorName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InitialPushStatus returns the state a freshly created task starts in.
func InitialPushStatus(mode PushMode) PushStatus {
	if mode == ModeScheduled {
		return PushDraft
	}
	return PushSending
}

// ExecutionRecord is one immutable entry of a task's execution history.
// ExecutedCount and MaxExecutions snapshot the counters at record time.
type ExecutionRecord struct {
	ID            int64
	TaskID        string
	ExecutedAt    time.Time
	Success       bool
	SentCount     int
	FailedCount   int
	Error         string
	ExecutedCount int
	MaxExecutions int
}

// ParseClock parses a "HH:mm" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: want HH:mm", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("clock %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return hour, minute, nil
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction identifies the kind of currency-exchange operation a request performs
type Direction string

const (
	DirectionBuy      Direction = "BUY"
	DirectionSell     Direction = "SELL"
	DirectionConvert  Direction = "CONVERT"
	DirectionTransfer Direction = "TRANSFER"
)

// AllDirections is the full set of directions a rule table must cover
var AllDirections = []Direction{DirectionBuy, DirectionSell, DirectionConvert, DirectionTransfer}

// ClientPriority scales the SLA window of a request
type ClientPriority string

const (
	PriorityVIP    ClientPriority = "VIP"
	PriorityHigh   ClientPriority = "HIGH"
	PriorityNormal ClientPriority = "NORMAL"
	PriorityLow    ClientPriority = "LOW"
)

func (p ClientPriority) Valid() bool {
	switch p {
	case PriorityVIP, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Modifier returns the multiplier applied to computed SLA minutes.
// Unknown priorities are treated as NORMAL.
func (p ClientPriority) Modifier() float64 {
	switch p {
	case PriorityVIP:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// Status is the lifecycle state of a request
type Status string

const (
	StatusNew                  Status = "NEW"
	StatusAssigned             Status = "ASSIGNED"
	StatusAwaitingClient       Status = "AWAITING_CLIENT"
	StatusInProgress           Status = "IN_PROGRESS"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusCompleted            Status = "COMPLETED"
	StatusCanceled             Status = "CANCELED"
	StatusRejected             Status = "REJECTED"
)

// IsTerminal reports whether the request has left SLA tracking for good
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAssigned, StatusAwaitingClient, StatusInProgress,
		StatusAwaitingConfirmation, StatusCompleted, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Role is a staff role that can be addressed by notifications
type Role string

const (
	RoleAdmin          Role = "ADMIN"
	RoleSeniorOperator Role = "SENIOR_OPERATOR"
	RoleOperator       Role = "OPERATOR"
)

// Request is the SLA-relevant view of an exchange request
type Request struct {
	ID                  string          `json:"id"`
	Direction           Direction       `json:"direction"`
	Priority            ClientPriority  `json:"priority"`
	CreatedAt           time.Time       `json:"created_at"`
	Status              Status          `json:"status"`
	Amount              decimal.Decimal `json:"amount"`
	CurrencyCode        string          `json:"currency_code"`
	AssignedUserID      string          `json:"assigned_user_id,omitempty"`
	OfficeID            string          `json:"office_id,omitempty"`
	SLADeadline         *time.Time      `json:"sla_deadline,omitempty"`
	IsOverdue           bool            `json:"is_overdue"`
	LastEscalationLevel int             `json:"last_escalation_level"` // 0 = nothing escalated yet
}

// Filter selects requests from the repository. Terminal requests are excluded
// unless IncludeTerminal is set.
type Filter struct {
	DeadlineFrom    *time.Time
	DeadlineTo      *time.Time
	DeadlineBefore  *time.Time
	CreatedFrom     *time.Time
	CreatedTo       *time.Time
	Overdue         *bool
	IncludeTerminal bool
}

// Matches applies the filter to a single request
func (f Filter) Matches(r Request) bool {
	if !f.IncludeTerminal && r.Status.IsTerminal() {
		return false
	}
	if f.Overdue != nil && r.IsOverdue != *f.Overdue {
		return false
	}
	if f.DeadlineFrom != nil || f.DeadlineTo != nil || f.DeadlineBefore != nil {
		if r.SLADeadline == nil {
			return false
		}
		d := *r.SLADeadline
		if f.DeadlineFrom != nil && d.Before(*f.DeadlineFrom) {
			return false
		}
		if f.DeadlineTo != nil && d.After(*f.DeadlineTo) {
			return false
		}
		if f.DeadlineBefore != nil && !d.Before(*f.DeadlineBefore) {
			return false
		}
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !r.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	return true
}

// NotificationKind classifies a notification
type NotificationKind string

const (
	KindSLAWarning  NotificationKind = "SLA_WARNING"
	KindSLAOverdue  NotificationKind = "SLA_OVERDUE"
	KindEscalation  NotificationKind = "ESCALATION"
	KindDailyDigest NotificationKind = "DAILY_DIGEST"
)

// Severity tags attached to warning notifications
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Notification is a message addressed to a user or a role
type Notification struct {
	ID           string                 `json:"id"`
	TargetUserID string                 `json:"target_user_id,omitempty"`
	TargetRole   Role                   `json:"target_role,omitempty"`
	Kind         NotificationKind       `json:"kind"`
	RequestID    string                 `json:"request_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// AuditEntry records a state change performed by the system
type AuditEntry struct {
	ActorID    string                 `json:"actor_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	OldValues  map[string]interface{} `json:"old_values,omitempty"`
	NewValues  map[string]interface{} `json:"new_values,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Audit constants
const (
	SystemActor       = "system"
	EntityRequest     = "request"
	ActionEscalated   = "SLA_ESCALATED"
	ActionMarkOverdue = "SLA_OVERDUE"
)

package monitor

import (
	"context"
	"time"

	"exchange-sla-tracker/pkg/models"
)

// RequestRepository is the monitor's view of request storage. Updates must be
// atomic conditional writes against the stored state.
type RequestRepository interface {
	FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error)
	// MarkOverdue sets isOverdue only if it is still false and the stored deadline
	// is before asOf. It reports whether the state changed.
	MarkOverdue(ctx context.Context, id string, asOf time.Time) (bool, error)
	// SetEscalationLevel raises lastEscalationLevel to level if it is currently
	// lower. It reports whether the state changed.
	SetEscalationLevel(ctx context.Context, id string, level int) (bool, error)
}

type NotificationSink interface {
	Send(ctx context.Context, n models.Notification) error
	ExistsRecent(ctx context.Context, targetUserID string, kind models.NotificationKind, requestID string, within time.Duration) (bool, error)
}

type AuditSink interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

type RoleDirectory interface {
	ActiveUsersWithRole(ctx context.Context, role models.Role) ([]string, error)
}

// Leader gates job execution when several replicas share the same storage
type Leader interface {
	IsLeader() bool
}

// Collaborators groups the external contracts the monitor depends on
type Collaborators struct {
	Requests      RequestRepository
	Notifications NotificationSink
	Audit         AuditSink
	Roles         RoleDirectory
}

package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"exchange-sla-tracker/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memRepo applies the same conditional updates a real store must
type memRepo struct {
	mu       sync.Mutex
	requests map[string]models.Request
}

func newMemRepo(requests ...models.Request) *memRepo {
	r := &memRepo{requests: make(map[string]models.Request)}
	for _, req := range requests {
		r.requests[req.ID] = req
	}
	return r
}

func (r *memRepo) FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Request
	for _, req := range r.requests {
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) MarkOverdue(ctx context.Context, id string, asOf time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok || req.IsOverdue || req.SLADeadline == nil || !req.SLADeadline.Before(asOf) {
		return false, nil
	}
	req.IsOverdue = true
	r.requests[id] = req
	return true, nil
}

func (r *memRepo) SetEscalationLevel(ctx context.Context, id string, level int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok || level <= req.LastEscalationLevel {
		return false, nil
	}
	req.LastEscalationLevel = level
	r.requests[id] = req
	return true, nil
}

func (r *memRepo) get(id string) models.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id]
}

// stubRepo returns the same requests for every query
type stubRepo struct {
	*memRepo
	fixed []models.Request
}

func (r *stubRepo) FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	return r.fixed, nil
}

// blockingRepo holds the first FindPending call until release is closed
type blockingRepo struct {
	*memRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingRepo(inner *memRepo) *blockingRepo {
	return &blockingRepo{
		memRepo: inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRepo) FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.memRepo.FindPending(ctx, filter)
}

// hookRepo calls onMark before every MarkOverdue and remembers the ids
type hookRepo struct {
	*memRepo
	onMark func(id string)

	hookMu sync.Mutex
	ids    []string
}

func (r *hookRepo) MarkOverdue(ctx context.Context, id string, asOf time.Time) (bool, error) {
	r.hookMu.Lock()
	r.ids = append(r.ids, id)
	r.hookMu.Unlock()

	if r.onMark != nil {
		r.onMark(id)
	}
	return r.memRepo.MarkOverdue(ctx, id, asOf)
}

func (r *hookRepo) marked() []string {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	return append([]string(nil), r.ids...)
}

type panickingRepo struct {
	*memRepo
}

func (r *panickingRepo) FindPending(ctx context.Context, filter models.Filter) ([]models.Request, error) {
	panic("storage exploded")
}

type memNotifier struct {
	mu     sync.Mutex
	clock  *fakeClock
	sent   []models.Notification
	failTo map[string]bool
}

func newMemNotifier(clock *fakeClock) *memNotifier {
	return &memNotifier{clock: clock, failTo: make(map[string]bool)}
}

func (n *memNotifier) Send(ctx context.Context, notification models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failTo[notification.TargetUserID] {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *memNotifier) ExistsRecent(ctx context.Context, targetUserID string, kind models.NotificationKind, requestID string, within time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.clock.Now().Add(-within)
	for _, s := range n.sent {
		if s.TargetUserID == targetUserID && s.Kind == kind && s.RequestID == requestID && s.CreatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (n *memNotifier) ofKind(kind models.NotificationKind) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []models.Notification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *memAudit) Record(ctx context.Context, entry models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) all() []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AuditEntry(nil), a.entries...)
}

type memRoles map[models.Role][]string

func (r memRoles) ActiveUsersWithRole(ctx context.Context, role models.Role) ([]string, error) {
	return r[role], nil
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func targets(notifications []models.Notification) []string {
	out := make([]string, len(notifications))
	for i, n := range notifications {
		out[i] = n.TargetUserID
	}
	return out
}

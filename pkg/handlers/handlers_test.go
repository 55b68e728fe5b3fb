package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-sla-tracker/pkg/models"
	"exchange-sla-tracker/pkg/monitor"
	"exchange-sla-tracker/pkg/sla"
	"exchange-sla-tracker/pkg/store"
)

type fakeRequests struct {
	mu     sync.Mutex
	saved  map[string]models.Request
	broken bool
}

func (f *fakeRequests) Get(ctx context.Context, id string) (models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.saved[id]
	if !ok {
		return models.Request{}, store.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequests) Create(ctx context.Context, req models.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("redis down")
	}
	if _, ok := f.saved[req.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.saved[req.ID] = req
	return nil
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.saved[id]
	if !ok {
		return store.ErrNotFound
	}
	req.Status = status
	f.saved[id] = req
	return nil
}

func (f *fakeRequests) ActiveCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return 0, errors.New("redis down")
	}
	var n int64
	for _, req := range f.saved {
		if !req.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type fakeJobs struct {
	runs   []string
	result map[string]error
}

func (f *fakeJobs) RunJob(ctx context.Context, name string) error {
	f.runs = append(f.runs, name)
	if err, ok := f.result[name]; ok {
		return err
	}
	return fmt.Errorf("%w: %s", monitor.ErrUnknownJob, name)
}

func (f *fakeJobs) Status() []monitor.JobStatus {
	return []monitor.JobStatus{{Name: "warning_sweep", Schedule: "@every 5m", Runs: 3}}
}

type fakeRoles struct {
	assigned map[models.Role][]string
	inactive map[string]bool
}

func (f *fakeRoles) Assign(ctx context.Context, role models.Role, userIDs ...string) error {
	f.assigned[role] = append(f.assigned[role], userIDs...)
	return nil
}

func (f *fakeRoles) SetActive(ctx context.Context, userID string, active bool) error {
	f.inactive[userID] = !active
	return nil
}

type fakeAudit struct {
	entries []models.AuditEntry
	asked   int64
}

func (f *fakeAudit) Recent(ctx context.Context, count int64) ([]models.AuditEntry, error) {
	f.asked = count
	if int64(len(f.entries)) < count {
		return f.entries, nil
	}
	return f.entries[:count], nil
}

type testEnv struct {
	router   *mux.Router
	requests *fakeRequests
	jobs     *fakeJobs
	roles    *fakeRoles
	audit    *fakeAudit
	hook     *test.Hook
	h        *Handler
}

// 2024-01-05 is a Friday
var now = time.Date(2024, time.January, 5, 17, 30, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	threshold := decimal.NewFromInt(1_000_000)
	table, err := sla.NewRuleTable([]sla.Rule{
		{Direction: models.DirectionBuy, BaseMinutes: 60, UrgentThresholdAmount: &threshold, UrgentMinutes: 30, BusinessHoursOnly: true},
		{Direction: models.DirectionSell, BaseMinutes: 60},
	}, []models.Direction{models.DirectionBuy, models.DirectionSell})
	require.NoError(t, err)
	calendar, err := sla.NewBusinessCalendar(time.UTC, 9, 18)
	require.NoError(t, err)
	rates, err := sla.NewStaticRates("RUB", map[string]string{"USD": "90"})
	require.NoError(t, err)

	env := &testEnv{
		requests: &fakeRequests{saved: make(map[string]models.Request)},
		jobs: &fakeJobs{result: map[string]error{
			"warning_sweep": nil,
			"overdue_sweep": monitor.ErrJobRunning,
			"daily_digest":  errors.New("role directory unavailable"),
		}},
		roles: &fakeRoles{assigned: make(map[models.Role][]string), inactive: make(map[string]bool)},
		audit: &fakeAudit{entries: []models.AuditEntry{
			{ActorID: models.SystemActor, EntityType: models.EntityRequest, EntityID: "req-9", Action: models.ActionMarkOverdue, CreatedAt: now},
			{ActorID: models.SystemActor, EntityType: models.EntityRequest, EntityID: "req-8", Action: models.ActionEscalated, CreatedAt: now},
		}},
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	env.hook = hook

	h := NewHandler(Dependencies{
		Requests:   env.requests,
		Calculator: sla.NewCalculator(table, calendar, rates),
		Jobs:       env.jobs,
		Roles:      env.roles,
		Audit:      env.audit,
	}, logger, func() bool { return true })
	h.now = func() time.Time { return now }
	env.h = h

	router := mux.NewRouter()
	router.HandleFunc("/requests/{id}", h.RegisterRequest).Methods("POST")
	router.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")
	router.HandleFunc("/requests/{id}/status", h.UpdateStatus).Methods("POST")
	router.HandleFunc("/roles/{role}/users/{user}", h.AssignRole).Methods("PUT")
	router.HandleFunc("/users/{user}/active", h.SetUserActive).Methods("PUT")
	router.HandleFunc("/jobs/{name}/run", h.RunJob).Methods("POST")
	router.HandleFunc("/audit", h.RecentAudit).Methods("GET")
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/status", h.Status).Methods("GET")
	env.router = router
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRegisterRequest_RollsIntoBusinessHours(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/requests/req-1", `{"direction":"BUY","amount":"500","currency_code":"USD","assigned_user_id":"op-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["adjusted"])
	assert.Equal(t, false, body["urgent"])
	assert.Equal(t, float64(60), body["sla_minutes"])

	saved := env.requests.saved["req-1"]
	require.NotNil(t, saved.SLADeadline)
	// Friday 17:30 + 60m lands after closing and rolls to Monday opening
	assert.Equal(t, time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC), *saved.SLADeadline)
	assert.Equal(t, models.StatusNew, saved.Status)
	assert.Equal(t, models.PriorityNormal, saved.Priority)
	assert.True(t, saved.CreatedAt.Equal(now))
}

func TestRegisterRequest_UrgentAmount(t *testing.T) {
	env := newTestEnv(t)
	created := time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)

	payload := fmt.Sprintf(`{"direction":"BUY","amount":"20000","currency_code":"USD","priority":"VIP","created_at":%q}`, created.Format(time.RFC3339))
	rec := env.do("POST", "/requests/req-2", payload)
	require.Equal(t, http.StatusCreated, rec.Code)

	saved := env.requests.saved["req-2"]
	// 20000 USD = 1.8M RUB, urgent 30m halved for VIP
	assert.Equal(t, created.Add(15*time.Minute), *saved.SLADeadline)
	assert.Equal(t, true, decode(t, rec)["urgent"])
}

func TestRegisterRequest_UnknownCurrencyWarns(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/requests/req-3", `{"direction":"BUY","amount":"99999999","currency_code":"XAU"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, false, decode(t, rec)["urgent"])

	var warned bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["request_id"] == "req-3" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRegisterRequest_Rejects(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing currency", `{"direction":"BUY","amount":"1"}`, http.StatusBadRequest},
		{"invalid status", `{"direction":"BUY","amount":"1","currency_code":"RUB","status":"LOST"}`, http.StatusBadRequest},
		{"invalid priority", `{"direction":"BUY","amount":"1","currency_code":"RUB","priority":"GOLD"}`, http.StatusBadRequest},
		{"direction without rule", `{"direction":"CONVERT","amount":"1","currency_code":"RUB"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/requests/req-x", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
	assert.Empty(t, env.requests.saved)
}

func TestRegisterRequest_DuplicateKeepsSLAState(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"1","currency_code":"RUB"}`).Code)

	env.requests.mu.Lock()
	stored := env.requests.saved["req-1"]
	stored.IsOverdue = true
	stored.LastEscalationLevel = 2
	env.requests.saved["req-1"] = stored
	env.requests.mu.Unlock()
	deadline := *stored.SLADeadline

	env.h.now = func() time.Time { return now.Add(72 * time.Hour) }
	rec := env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"1","currency_code":"RUB"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	got := env.requests.saved["req-1"]
	assert.True(t, got.IsOverdue)
	assert.Equal(t, 2, got.LastEscalationLevel)
	assert.Equal(t, deadline, *got.SLADeadline)
}

func TestRegisterRequest_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.requests.broken = true

	rec := env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"1","currency_code":"RUB"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"1","currency_code":"RUB"}`).Code)

	rec := env.do("POST", "/requests/req-1/status", `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["terminal"])
	assert.Equal(t, models.StatusCompleted, env.requests.saved["req-1"].Status)

	assert.Equal(t, http.StatusNotFound, env.do("POST", "/requests/missing/status", `{"status":"COMPLETED"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do("POST", "/requests/req-1/status", `{"status":"DONE"}`).Code)
}

func TestGetRequest(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"12.5","currency_code":"USD","office_id":"msk-1"}`).Code)

	rec := env.do("GET", "/requests/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "req-1", body["id"])
	assert.Equal(t, "12.5", body["amount"])
	assert.Equal(t, "msk-1", body["office_id"])
	assert.Equal(t, false, body["is_overdue"])

	assert.Equal(t, http.StatusNotFound, env.do("GET", "/requests/missing", "").Code)
}

func TestRecentAudit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])
	assert.Equal(t, int64(defaultAuditLimit), env.audit.asked)

	rec = env.do("GET", "/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "req-9", entries[0].(map[string]interface{})["entity_id"])

	env.do("GET", "/audit?limit=50000", "")
	assert.Equal(t, int64(maxAuditLimit), env.audit.asked)

	assert.Equal(t, http.StatusBadRequest, env.do("GET", "/audit?limit=-3", "").Code)
}

func TestRoles(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do("PUT", "/roles/OPERATOR/users/op-1", "").Code)
	assert.Equal(t, []string{"op-1"}, env.roles.assigned[models.RoleOperator])
	assert.Equal(t, http.StatusBadRequest, env.do("PUT", "/roles/JANITOR/users/op-1", "").Code)

	assert.Equal(t, http.StatusOK, env.do("PUT", "/users/op-1/active", `{"active":false}`).Code)
	assert.True(t, env.roles.inactive["op-1"])
	assert.Equal(t, http.StatusBadRequest, env.do("PUT", "/users/op-1/active", `{}`).Code)
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do("POST", "/jobs/warning_sweep/run", "").Code)
	assert.Equal(t, http.StatusConflict, env.do("POST", "/jobs/overdue_sweep/run", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do("POST", "/jobs/reindex/run", "").Code)

	rec := env.do("POST", "/jobs/daily_digest/run", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "role directory unavailable", decode(t, rec)["error"])

	assert.Equal(t, []string{"warning_sweep", "overdue_sweep", "reindex", "daily_digest"}, env.jobs.runs)
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do("POST", "/requests/req-1", `{"direction":"SELL","amount":"1","currency_code":"RUB"}`).Code)

	rec := env.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["is_leader"])
	assert.Equal(t, float64(1), body["active_requests"])

	rec = env.do("GET", "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs, ok := decode(t, rec)["jobs"].([]interface{})
	require.True(t, ok)
	require.Len(t, jobs, 1)
	assert.Equal(t, "warning_sweep", jobs[0].(map[string]interface{})["name"])

	env.requests.broken = true
	assert.Equal(t, http.StatusServiceUnavailable, env.do("GET", "/health", "").Code)
}

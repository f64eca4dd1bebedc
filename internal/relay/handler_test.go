package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mentorcall/internal/audit"
	"mentorcall/internal/auth"
	"mentorcall/internal/call"
	"mentorcall/internal/history"
	"mentorcall/internal/rbac"
	"mentorcall/internal/reporting"

	"github.com/gin-gonic/gin"
)

type apiFixture struct {
	man    *auth.Manager
	engine *gin.Engine
	store  *history.MemoryStore
	trail  *audit.MemoryRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	man := newTestAuth(t)
	store := history.NewMemoryStore()
	trail := audit.NewMemoryRepo()
	h := &Handler{
		Hub:     NewHub(nil),
		Auth:    man,
		History: store,
		Reports: reporting.NewService(store),
		Audit:   audit.NewService(trail),
	}

	r := gin.New()
	authMW := auth.RequireAccessToken(man)
	hist := r.Group("/v1/history", authMW, rbac.RequireDevice(),
		rbac.RequireAnyRole(rbac.RoleStudent, rbac.RoleMentor, rbac.RoleSupport))
	hist.GET("", h.HistoryList)
	hist.GET("/summary", h.HistorySummary)

	admin := r.Group("/v1/admin", authMW, rbac.RequireDevice(), rbac.RequireAnyRole(rbac.RoleSupport))
	admin.GET("/relay/stats", h.RelayStats)

	return &apiFixture{man: man, engine: r, store: store, trail: trail}
}

func (f *apiFixture) seed(t *testing.T, recs ...history.Record) {
	t.Helper()
	for _, rec := range recs {
		if err := f.store.Upsert(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", rec.CallID, err)
		}
	}
}

func (f *apiFixture) get(t *testing.T, path, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken(t, f.man, userID, "dev-1", role))
	}
	f.engine.ServeHTTP(w, req)
	return w
}

func seedAliceCalls(t *testing.T, f *apiFixture) {
	t.Helper()
	started := time.Now().Add(-time.Hour).UTC()
	accepted := started.Add(10 * time.Second)
	ended := started.Add(time.Minute)
	later := started.Add(5 * time.Minute)
	laterEnd := later.Add(2 * time.Minute)

	f.seed(t,
		history.Record{CallID: "c1", CallerID: "alice", ReceiverID: "m1",
			StartedAt: started, AcceptedAt: &accepted, EndedAt: &ended,
			EndReason: call.ReasonCompleted, DurationSeconds: 60},
		history.Record{CallID: "c2", CallerID: "m1", ReceiverID: "alice",
			StartedAt: later, EndedAt: &laterEnd,
			EndReason: call.ReasonNoAnswer, DurationSeconds: 120},
		history.Record{CallID: "c3", CallerID: "carol", ReceiverID: "m2",
			StartedAt: started, EndedAt: &ended,
			EndReason: call.ReasonCompleted, DurationSeconds: 60},
	)
}

func TestHistoryEndpoint_ReturnsOwnCallsNewestFirst(t *testing.T) {
	f := newAPIFixture(t)
	seedAliceCalls(t, f)

	w := f.get(t, "/v1/history", "alice", rbac.RoleStudent)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		UserID string           `json:"user_id"`
		Calls  []history.Record `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID != "alice" || len(body.Calls) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Calls[0].CallID != "c2" || body.Calls[1].CallID != "c1" {
		t.Fatalf("expected newest first, got %+v", body.Calls)
	}
}

func TestHistoryEndpoint_StudentCannotQueryOthers(t *testing.T) {
	f := newAPIFixture(t)
	seedAliceCalls(t, f)

	w := f.get(t, "/v1/history?user_id=carol", "alice", rbac.RoleStudent)
	if w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestHistoryEndpoint_SupportQueriesAnyUser(t *testing.T) {
	f := newAPIFixture(t)
	seedAliceCalls(t, f)

	w := f.get(t, "/v1/history?user_id=alice", "sam", rbac.RoleSupport)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		UserID string           `json:"user_id"`
		Calls  []history.Record `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID != "alice" || len(body.Calls) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}

	evs := f.trail.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(evs))
	}
	if evs[0].Type != audit.EventTypeSupportAccess || evs[0].ActorUserID != "sam" || evs[0].TargetUserID != "alice" {
		t.Fatalf("unexpected audit event: %+v", evs[0])
	}
}

func TestHistoryEndpoint_AuditFailureDoesNotBlockRead(t *testing.T) {
	f := newAPIFixture(t)
	seedAliceCalls(t, f)
	f.trail.SetAppendErr(errors.New("trail store down"))

	// The cross-user read succeeds even when the trail cannot be written.
	w := f.get(t, "/v1/history?user_id=alice", "sam", rbac.RoleSupport)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if evs := f.trail.Events(); len(evs) != 0 {
		t.Fatalf("expected no recorded events, got %d", len(evs))
	}
}

func TestHistoryEndpoint_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	w := f.get(t, "/v1/history", "", "")
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSummaryEndpoint_AggregatesWindow(t *testing.T) {
	f := newAPIFixture(t)
	seedAliceCalls(t, f)

	w := f.get(t, "/v1/history/summary", "alice", rbac.RoleStudent)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TotalCalls != 2 || out.ConnectedCalls != 1 || out.MissedCalls != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.TotalDurationSeconds != 180 {
		t.Fatalf("expected 180s total, got %d", out.TotalDurationSeconds)
	}

	w = f.get(t, "/v1/history/summary?from=not-a-time", "alice", rbac.RoleStudent)
	if w.Code != 400 {
		t.Fatalf("expected 400 for bad timestamp, got %d", w.Code)
	}
}

func TestStatsEndpoint_SupportOnly(t *testing.T) {
	f := newAPIFixture(t)

	if w := f.get(t, "/v1/admin/relay/stats", "alice", rbac.RoleStudent); w.Code != 403 {
		t.Fatalf("expected 403 for student, got %d", w.Code)
	}

	w := f.get(t, "/v1/admin/relay/stats", "sam", rbac.RoleSupport)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Connections != 0 {
		t.Fatalf("expected empty hub, got %+v", stats)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"family-calls/internal/admission"
	"family-calls/internal/audit"
	"family-calls/internal/auth"
	"family-calls/internal/calls"
	"family-calls/internal/family"
	"family-calls/internal/rbac"
	"family-calls/internal/reporting"
	"family-calls/internal/store"
	"family-calls/internal/termination"
	"family-calls/pkg/logger"
)

type fixture struct {
	mem    *store.Memory
	audits *audit.MemoryRepo
	router *gin.Engine
}

// identity stands in for RequireAccessToken in tests.
func identity(c *gin.Context) {
	userID := c.GetHeader("X-Test-User")
	familyID := c.GetHeader("X-Test-Family")
	role := c.GetHeader("X-Test-Role")
	c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, familyID, role))
	c.Next()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	repo := audit.NewMemoryRepo()
	svc := audit.NewService(repo)
	dir := family.NewMemoryDirectory(
		family.Member{ID: "parent-1", FamilyID: "fam-1", Role: calls.RoleParent},
		family.Member{ID: "child-1", FamilyID: "fam-1", Role: calls.RoleChild},
		family.Member{ID: "child-2", FamilyID: "fam-1", Role: calls.RoleChild},
		family.Member{ID: "stranger", FamilyID: "fam-2", Role: calls.RoleParent},
	)
	h := Handlers{
		Calls:      mem,
		Busy:       admission.NewChecker(mem, admission.Config{}, logger.Discard()),
		Terminator: termination.New(mem, svc, logger.Discard()),
		Reporting:  reporting.NewService(mem, svc),
		Directory:  dir,
	}

	r := gin.New()
	v1 := r.Group("/v1", identity)
	g := v1.Group("/calls", RequireFamilyMember()...)
	g.GET("/busy", h.BusyStatus)
	g.GET("/missed", h.MissedCalls)
	g.GET("/summary", rbac.RequireGuardian(), h.CallsSummary)
	g.GET("/:id", h.GetCall)
	g.POST("/:id/end", h.EndCall)
	g.POST("/:id/missed/ack", h.AcknowledgeMissedCall)

	return &fixture{mem: mem, audits: repo, router: r}
}

func (f *fixture) seed(t *testing.T, s calls.Session) {
	t.Helper()
	if s.FamilyID == "" {
		s.FamilyID = "fam-1"
	}
	if s.Caller.ID == "" {
		s.Caller = calls.Participant{ID: "parent-1", Role: calls.RoleParent}
		s.CallerType = calls.RoleParent
	}
	if s.Callee.ID == "" {
		s.Callee = calls.Participant{ID: "child-1", Role: calls.RoleChild}
	}
	_, err := f.mem.Insert(context.Background(), s)
	require.NoError(t, err)
}

func (f *fixture) do(method, path, user, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	fid := "fam-1"
	if user == "stranger" {
		fid = "fam-2"
	}
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Family", fid)
	req.Header.Set("X-Test-Role", role)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func TestBusyStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, calls.Session{ID: "live", Status: calls.StatusActive})

	w := f.do(http.MethodGet, "/v1/calls/busy?callee_id=child-1", "child-2", rbac.RoleChild, "")
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	decode(t, w, &out)
	assert.Equal(t, true, out["is_busy"])
	assert.Equal(t, "live", out["active_call_id"])

	w = f.do(http.MethodGet, "/v1/calls/busy?callee_id=child-2", "child-1", rbac.RoleChild, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.Equal(t, false, out["is_busy"])
}

func TestBusyStatus_RejectsOtherFamilies(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/v1/calls/busy?callee_id=stranger", "child-1", rbac.RoleChild, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/v1/calls/busy", "child-1", rbac.RoleChild, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCall_Visibility(t *testing.T) {
	f := newFixture(t)
	f.seed(t, calls.Session{ID: "c1", Status: calls.StatusRinging})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/calls/c1", "child-1", rbac.RoleChild, "").Code)
	// A parent sees family calls they are not part of.
	f.seed(t, calls.Session{
		ID:     "c2",
		Caller: calls.Participant{ID: "child-2", Role: calls.RoleChild}, CallerType: calls.RoleChild,
		Status: calls.StatusRinging,
	})
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/calls/c2", "parent-1", rbac.RoleParent, "").Code)
	// A child does not.
	f.seed(t, calls.Session{
		ID:     "c3",
		Caller: calls.Participant{ID: "parent-1", Role: calls.RoleParent}, CallerType: calls.RoleParent,
		Callee: calls.Participant{ID: "child-2", Role: calls.RoleChild},
		Status: calls.StatusRinging,
	})
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/calls/c3", "child-1", rbac.RoleChild, "").Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/calls/c1", "stranger", rbac.RoleParent, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/calls/nope", "child-1", rbac.RoleChild, "").Code)
}

func TestEndCall_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, calls.Session{ID: "c1", Status: calls.StatusActive})

	w := f.do(http.MethodPost, "/v1/calls/c1/end", "child-1", rbac.RoleChild, "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Call     calls.Session `json:"call"`
		EndedNow bool          `json:"ended_now"`
	}
	decode(t, w, &out)
	assert.True(t, out.EndedNow)
	assert.Equal(t, calls.EndReasonHangup, out.Call.EndReason)
	assert.Equal(t, "child-1", out.Call.EndedBy)

	w = f.do(http.MethodPost, "/v1/calls/c1/end", "parent-1", rbac.RoleParent, `{"reason":"network_lost"}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.False(t, out.EndedNow)
	assert.Equal(t, "child-1", out.Call.EndedBy)

	assert.Len(t, f.audits.ByType(audit.EventCallEnded), 1)
}

func TestEndCall_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, calls.Session{
		ID:     "c1",
		Callee: calls.Participant{ID: "child-2", Role: calls.RoleChild},
		Status: calls.StatusActive,
	})

	// Parents can see but not end calls they are not in.
	f.seed(t, calls.Session{
		ID:     "c2",
		Caller: calls.Participant{ID: "child-1", Role: calls.RoleChild}, CallerType: calls.RoleChild,
		Callee: calls.Participant{ID: "child-2", Role: calls.RoleChild},
		Status: calls.StatusActive,
	})
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/calls/c2/end", "parent-1", rbac.RoleParent, "").Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/calls/c1/end", "parent-1", rbac.RoleParent, `{"reason":"bored"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/calls/c1/end", "parent-1", rbac.RoleParent, `{`).Code)

	cur, err := f.mem.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, cur.IsTerminal())
}

func TestMissedCalls_ListAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	ended := time.Now().UTC()
	f.seed(t, calls.Session{ID: "m1", Status: calls.StatusEnded, EndedAt: &ended, EndReason: calls.EndReasonNoAnswer, MissedCall: true})
	f.seed(t, calls.Session{ID: "done", Status: calls.StatusEnded, EndedAt: &ended, EndReason: calls.EndReasonHangup})

	w := f.do(http.MethodGet, "/v1/calls/missed?unacknowledged=true", "child-1", rbac.RoleChild, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Calls []calls.Session `json:"calls"`
		Count int             `json:"count"`
	}
	decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "m1", list.Calls[0].ID)

	w = f.do(http.MethodPost, "/v1/calls/m1/missed/ack", "child-1", rbac.RoleChild, "")
	require.Equal(t, http.StatusOK, w.Code)
	var acked calls.Session
	decode(t, w, &acked)
	require.NotNil(t, acked.MissedCallAcknowledgedAt)

	w = f.do(http.MethodGet, "/v1/calls/missed?unacknowledged=true", "child-1", rbac.RoleChild, "")
	decode(t, w, &list)
	assert.Equal(t, 0, list.Count)

	// The caller cannot clear the callee's badge.
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/calls/m1/missed/ack", "parent-1", rbac.RoleParent, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/calls/done/missed/ack", "child-1", rbac.RoleChild, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/calls/missed?limit=x", "child-1", rbac.RoleChild, "").Code)
}

func TestCallsSummary_ParentsOnly(t *testing.T) {
	f := newFixture(t)
	ended := time.Now().UTC()
	f.seed(t, calls.Session{ID: "m1", Status: calls.StatusEnded, EndedAt: &ended, EndReason: calls.EndReasonNoAnswer, MissedCall: true})
	f.seed(t, calls.Session{ID: "live", Status: calls.StatusActive})

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/calls/summary", "child-1", rbac.RoleChild, "").Code)

	w := f.do(http.MethodGet, "/v1/calls/summary", "parent-1", rbac.RoleParent, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum reporting.CallsSummary
	decode(t, w, &sum)
	assert.Equal(t, 2, sum.TotalCalls)
	assert.Equal(t, 1, sum.MissedCalls)
	assert.Equal(t, 1, sum.InProgressCalls)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/calls/summary?from=yesterday", "parent-1", rbac.RoleParent, "").Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodGet, "/v1/calls/summary?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", "parent-1", rbac.RoleParent, "").Code)
}

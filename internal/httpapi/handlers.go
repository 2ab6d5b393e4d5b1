package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"family-calls/internal/admission"
	"family-calls/internal/auth"
	"family-calls/internal/calls"
	"family-calls/internal/family"
	"family-calls/internal/rbac"
	"family-calls/internal/reporting"
	"family-calls/internal/store"
	"family-calls/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
//
// Clients negotiate calls directly against the record store and change
// feed; this API covers what needs server authority or aggregation.
type Handlers struct {
	Calls      CallReader
	Busy       BusyChecker
	Terminator Terminator
	Reporting  *reporting.Service
	Directory  family.Directory
}

type CallReader interface {
	Get(ctx context.Context, id string) (calls.Session, error)
}

type BusyChecker interface {
	Check(ctx context.Context, calleeID string) admission.Result
}

type Terminator interface {
	End(ctx context.Context, callID, endedBy string, reason calls.EndReason) (calls.Session, bool, error)
}

func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// visibleCall loads a call the authenticated user may see: a participant,
// or a parent of the same family.
func (h Handlers) visibleCall(c *gin.Context) (calls.Session, bool) {
	ctx := c.Request.Context()
	familyID, _ := auth.FamilyID(ctx)
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)

	id := c.Param("id")
	if id == "" {
		abort(c, http.StatusBadRequest, "call id required")
		return calls.Session{}, false
	}
	s, err := h.Calls.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "call not found")
		return calls.Session{}, false
	}
	if err != nil {
		logger.FromGin(c).Error("call lookup failed", "error", err)
		abort(c, http.StatusInternalServerError, "call lookup failed")
		return calls.Session{}, false
	}
	// Foreign families get the same answer as a missing call.
	if s.FamilyID != familyID {
		abort(c, http.StatusNotFound, "call not found")
		return calls.Session{}, false
	}
	if !s.HasParticipant(userID) && !rbac.IsGuardian(role) {
		abort(c, http.StatusForbidden, "forbidden")
		return calls.Session{}, false
	}
	return s, true
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		abort(c, http.StatusInternalServerError, "calls not configured")
		return
	}
	s, ok := h.visibleCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

// --- Admission ---

// BusyStatus is the courtesy pre-flight check clients run before dialing.
func (h Handlers) BusyStatus(c *gin.Context) {
	if h.Busy == nil || h.Directory == nil {
		abort(c, http.StatusInternalServerError, "admission not configured")
		return
	}
	ctx := c.Request.Context()
	familyID, _ := auth.FamilyID(ctx)

	calleeID := c.Query("callee_id")
	if calleeID == "" {
		abort(c, http.StatusBadRequest, "callee_id required")
		return
	}
	m, err := h.Directory.Lookup(ctx, calleeID)
	if err != nil || m.FamilyID != familyID {
		abort(c, http.StatusNotFound, "unknown family member")
		return
	}

	res := h.Busy.Check(ctx, calleeID)
	c.JSON(http.StatusOK, gin.H{
		"callee_id":      calleeID,
		"is_busy":        res.IsBusy,
		"active_call_id": res.ActiveCallID,
		"reason":         res.Reason,
	})
}

// --- Termination ---

type endCallRequest struct {
	Reason string `json:"reason"`
}

var clientEndReasons = map[calls.EndReason]struct{}{
	calls.EndReasonHangup:       {},
	calls.EndReasonFailed:       {},
	calls.EndReasonNetworkLost:  {},
	calls.EndReasonDisconnected: {},
	calls.EndReasonClosed:       {},
	calls.EndReasonNoAnswer:     {},
}

// EndCall ends a call on behalf of a participant (server-side hang up for
// clients that lost their session). Safe to repeat.
func (h Handlers) EndCall(c *gin.Context) {
	if h.Calls == nil || h.Terminator == nil {
		abort(c, http.StatusInternalServerError, "termination not configured")
		return
	}
	s, ok := h.visibleCall(c)
	if !ok {
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	if !s.HasParticipant(userID) {
		abort(c, http.StatusForbidden, "only participants can end a call")
		return
	}

	var req endCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	reason := calls.EndReason(req.Reason)
	if reason == "" {
		reason = calls.EndReasonHangup
	}
	if _, ok := clientEndReasons[reason]; !ok {
		abort(c, http.StatusBadRequest, "unknown end reason")
		return
	}

	final, won, err := h.Terminator.End(c.Request.Context(), s.ID, userID, reason)
	if err != nil {
		logger.FromGin(c).Error("end call failed", "error", err)
		abort(c, http.StatusInternalServerError, "end call failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": final, "ended_now": won})
}

// --- Reporting ---

func (h Handlers) MissedCalls(c *gin.Context) {
	if h.Reporting == nil {
		abort(c, http.StatusInternalServerError, "reporting not configured")
		return
	}
	ctx := c.Request.Context()
	familyID, _ := auth.FamilyID(ctx)
	userID, _ := auth.UserID(ctx)

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	out, err := h.Reporting.MissedCalls(ctx, reporting.MissedCallsRequest{
		FamilyID:           familyID,
		UserID:             userID,
		UnacknowledgedOnly: c.Query("unacknowledged") == "true",
		Limit:              limit,
	})
	if err != nil {
		logger.FromGin(c).Error("missed calls lookup failed", "error", err)
		abort(c, http.StatusInternalServerError, "missed calls lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

func (h Handlers) AcknowledgeMissedCall(c *gin.Context) {
	if h.Reporting == nil {
		abort(c, http.StatusInternalServerError, "reporting not configured")
		return
	}
	ctx := c.Request.Context()
	familyID, _ := auth.FamilyID(ctx)
	userID, _ := auth.UserID(ctx)

	s, err := h.Reporting.AcknowledgeMissedCall(ctx, familyID, c.Param("id"), userID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reporting.ErrNotMissedCall):
		abort(c, http.StatusNotFound, "missed call not found")
		return
	case errors.Is(err, reporting.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.FromGin(c).Error("acknowledge missed call failed", "error", err)
		abort(c, http.StatusInternalServerError, "acknowledge failed")
		return
	}
	c.JSON(http.StatusOK, s)
}

// CallsSummary is the family-wide view. RBAC: parents only.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reporting == nil {
		abort(c, http.StatusInternalServerError, "reporting not configured")
		return
	}
	familyID, _ := auth.FamilyID(c.Request.Context())

	to := time.Now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			abort(c, http.StatusBadRequest, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			abort(c, http.StatusBadRequest, "to must be RFC3339")
			return
		}
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		FamilyID:      familyID,
		Range:         reporting.TimeRange{From: from, To: to},
		ParticipantID: c.Query("participant_id"),
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		abort(c, http.StatusBadRequest, "invalid range")
		return
	}
	if err != nil {
		logger.FromGin(c).Error("calls summary failed", "error", err)
		abort(c, http.StatusInternalServerError, "summary failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

// Convenience middleware bundles.

func RequireFamilyMember() []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireFamily(), rbac.RequireAnyRole(rbac.RoleParent, rbac.RoleChild, rbac.RoleFamilyMember)}
}

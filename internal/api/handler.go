package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/auth"
	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/notify"
	"github.com/lalithlochan/waitlistq/internal/redis"
	"github.com/lalithlochan/waitlistq/internal/waitlist"
)

// WaitlistService defines the waitlist operations the gateway exposes
type WaitlistService interface {
	Join(ctx context.Context, req waitlist.JoinRequest) (*waitlist.JoinResult, error)
	CreateWaitlist(ctx context.Context, ownerID uuid.UUID, in waitlist.CreateInput) (*db.Waitlist, error)
	ListWaitlists(ctx context.Context, ownerID uuid.UUID) ([]*db.WaitlistSummary, error)
	UpdateWaitlist(ctx context.Context, ownerID, waitlistID uuid.UUID, in waitlist.UpdateInput) (*db.Waitlist, error)
	WidgetInfo(ctx context.Context, idOrSlug string) (*waitlist.WidgetInfo, error)
	Stats(ctx context.Context, ownerID, waitlistID uuid.UUID) (*analytics.Stats, error)
	Export(ctx context.Context, ownerID, waitlistID uuid.UUID) (*waitlist.Export, error)
}

// ScanRunner runs one notification scan
type ScanRunner interface {
	RunScan(ctx context.Context, scan string, now time.Time) (*notify.Report, error)
}

// JoinRequest represents the incoming join body
type JoinRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	WaitlistID   string `json:"waitlistId"`
	ReferralCode string `json:"referralCode"`
}

// SubscriberView is the subscriber as returned to the person who joined
type SubscriberView struct {
	ID            string `json:"id"`
	Position      int    `json:"position"`
	PriorityScore int    `json:"priorityScore"`
	ReferralCode  string `json:"referralCode"`
	ReferralURL   string `json:"referralUrl"`
}

// JoinResponse is returned by POST /v1/join
type JoinResponse struct {
	Success       bool           `json:"success"`
	AlreadyJoined bool           `json:"alreadyJoined,omitempty"`
	Subscriber    SubscriberView `json:"subscriber"`
	TotalCount    int            `json:"totalCount"`
}

// CreateWaitlistRequest is the body of POST /v1/waitlists
type CreateWaitlistRequest struct {
	Name          string     `json:"name"`
	Description   *string    `json:"description"`
	WebsiteURL    *string    `json:"websiteUrl"`
	RedirectURL   *string    `json:"redirectUrl"`
	ClosesAt      *time.Time `json:"closesAt"`
	ReferralBonus *int       `json:"referralBonus"`
}

// UpdateWaitlistRequest is the body of PATCH /v1/waitlists/{id}. An explicit
// "closesAt": null clears the closing date; omitting it leaves it unchanged.
type UpdateWaitlistRequest struct {
	Name          *string         `json:"name"`
	Description   *string         `json:"description"`
	IsActive      *bool           `json:"isActive"`
	ClosesAt      json.RawMessage `json:"closesAt"`
	ReferralBonus *int            `json:"referralBonus"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	svc        WaitlistService
	scans      ScanRunner
	cronSecret string
	now        func() time.Time
}

// NewHandler creates a new API handler. A nil scans disables the cron endpoints.
func NewHandler(logger *zap.Logger, svc WaitlistService, scans ScanRunner, cronSecret string) *Handler {
	return &Handler{
		logger:     logger,
		svc:        svc,
		scans:      scans,
		cronSecret: cronSecret,
		now:        time.Now,
	}
}

// Join handles POST /v1/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var body JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	req, err := waitlist.NewJoinRequest(body.WaitlistID, body.Email, body.Name, body.ReferralCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	result, err := h.svc.Join(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	sub := result.Subscriber
	resp := JoinResponse{
		Success:       true,
		AlreadyJoined: result.AlreadyJoined,
		Subscriber: SubscriberView{
			ID:            sub.ID.String(),
			Position:      sub.Position,
			PriorityScore: sub.PriorityScore,
			ReferralCode:  sub.ReferralCode,
			ReferralURL:   result.ReferralURL,
		},
		TotalCount: result.TotalCount,
	}

	status := http.StatusCreated
	if result.AlreadyJoined {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// Widget handles GET /v1/widget?slug=... or ?id=...
func (h *Handler) Widget(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("slug")
	if key == "" {
		key = r.URL.Query().Get("id")
	}

	info, err := h.svc.WidgetInfo(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"waitlist": info})
}

// CreateWaitlist handles POST /v1/waitlists
func (h *Handler) CreateWaitlist(w http.ResponseWriter, r *http.Request) {
	var body CreateWaitlistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ownerID := auth.OwnerFrom(r.Context())
	wl, err := h.svc.CreateWaitlist(r.Context(), ownerID, waitlist.CreateInput{
		Name:          body.Name,
		Description:   body.Description,
		WebsiteURL:    body.WebsiteURL,
		RedirectURL:   body.RedirectURL,
		ClosesAt:      body.ClosesAt,
		ReferralBonus: body.ReferralBonus,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.logger.Info("waitlist created",
		zap.String("id", wl.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("slug", wl.Slug),
	)

	h.writeJSON(w, http.StatusCreated, map[string]any{"waitlist": wl})
}

// ListWaitlists handles GET /v1/waitlists
func (h *Handler) ListWaitlists(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListWaitlists(r.Context(), auth.OwnerFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*db.WaitlistSummary{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"waitlists": list,
		"count":     len(list),
	})
}

// UpdateWaitlist handles PATCH /v1/waitlists/{id}
func (h *Handler) UpdateWaitlist(w http.ResponseWriter, r *http.Request) {
	waitlistID, ok := h.waitlistParam(w, r)
	if !ok {
		return
	}

	var body UpdateWaitlistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	in := waitlist.UpdateInput{
		Name:          body.Name,
		Description:   body.Description,
		IsActive:      body.IsActive,
		ReferralBonus: body.ReferralBonus,
	}
	switch raw := bytes.TrimSpace(body.ClosesAt); {
	case len(raw) == 0:
	case string(raw) == "null":
		in.ClearClosesAt = true
	default:
		var closesAt time.Time
		if err := json.Unmarshal(raw, &closesAt); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid closesAt", "closesAt must be an RFC 3339 timestamp or null")
			return
		}
		in.ClosesAt = &closesAt
	}

	wl, err := h.svc.UpdateWaitlist(r.Context(), auth.OwnerFrom(r.Context()), waitlistID, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"waitlist": wl})
}

// Stats handles GET /v1/waitlists/{id}/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	waitlistID, ok := h.waitlistParam(w, r)
	if !ok {
		return
	}

	stats, err := h.svc.Stats(r.Context(), auth.OwnerFrom(r.Context()), waitlistID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

var exportHeader = []string{"Position", "Email", "Name", "Referrals", "Status", "Joined"}

// Export handles GET /v1/waitlists/{id}/export as a CSV attachment
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	waitlistID, ok := h.waitlistParam(w, r)
	if !ok {
		return
	}

	export, err := h.svc.Export(r.Context(), auth.OwnerFrom(r.Context()), waitlistID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write(exportHeader)
	for _, row := range export.Rows {
		_ = cw.Write([]string{
			strconv.Itoa(row.Rank),
			row.Email,
			row.Name,
			strconv.Itoa(row.ReferralCount),
			row.Status,
			row.JoinedAt.UTC().Format("2006-01-02"),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("failed to encode export", zap.Error(err), zap.String("waitlist_id", waitlistID.String()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to export subscribers", "")
		return
	}

	h.logger.Info("waitlist exported",
		zap.String("waitlist_id", waitlistID.String()),
		zap.Int("rows", len(export.Rows)),
	)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(export.Waitlist.Name)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func exportFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return -1
		}
		return r
	}, name)
	return name + "-waitlist.csv"
}

// RunScan handles POST /internal/cron/{scan}, authenticated by the shared cron secret
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	presented, err := auth.BearerToken(r)
	if err != nil || !auth.CheckSecret(h.cronSecret, presented) {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "a valid cron secret is required")
		return
	}
	if h.scans == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Scans are not configured", "")
		return
	}

	scan := chi.URLParam(r, "scan")
	report, err := h.scans.RunScan(r.Context(), scan, h.now().UTC())
	switch {
	case errors.Is(err, notify.ErrUnknownScan):
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown scan", fmt.Sprintf("no scan named %q", scan))
		return
	case errors.Is(err, redis.ErrLockHeld):
		h.writeError(w, http.StatusConflict, "scan_running", "Scan already running", fmt.Sprintf("%s is running on another instance", scan))
		return
	case err != nil:
		h.logger.Error("scan failed", zap.Error(err), zap.String("scan", scan))
		h.writeError(w, http.StatusInternalServerError, "scan_failed", "Scan failed", "The scan could not run, please try again")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) waitlistParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		// an id that is not a UUID cannot name a waitlist
		h.writeError(w, http.StatusNotFound, "not_found", "Waitlist not found", "")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps waitlist errors to problem responses. Store failures
// are logged and reported without internal detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, waitlist.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, waitlist.ErrUnauthorized):
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "")
	case errors.Is(err, waitlist.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "you do not own this waitlist")
	case errors.Is(err, waitlist.ErrClosed):
		h.writeError(w, http.StatusForbidden, "waitlist_closed", "This waitlist is no longer accepting signups", "")
	case errors.Is(err, waitlist.ErrCapacityExceeded):
		h.writeError(w, http.StatusForbidden, "capacity_exceeded", "This waitlist has reached its capacity", "")
	case errors.Is(err, waitlist.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Waitlist not found", "")
	default:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "Something went wrong, please try again")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

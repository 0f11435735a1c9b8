package partner

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/dlp"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/middleware"
)

// HTTPHandler serves partner onboarding and pull schedules. Every route is
// admin only.
type HTTPHandler struct {
	repo      *Repository
	scheduler *Scheduler
	auditor   Auditor
	identify  func(http.Handler) http.Handler
}

// NewHTTPHandler builds the admin handler. scheduler may be nil when pulls
// are disabled.
func NewHTTPHandler(repo *Repository, scheduler *Scheduler, auditor Auditor, identify func(http.Handler) http.Handler) *HTTPHandler {
	if identify == nil {
		identify = func(next http.Handler) http.Handler { return next }
	}
	return &HTTPHandler{repo: repo, scheduler: scheduler, auditor: auditor, identify: identify}
}

func (h *HTTPHandler) admin(fn http.HandlerFunc) http.Handler {
	return h.identify(middleware.AdminOnly(fn))
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.Handle("/partner/onboard", h.admin(h.handleOnboard)).Methods(http.MethodPost)
	router.Handle("/partner/partners", h.admin(h.handleList)).Methods(http.MethodGet)
	router.Handle("/partner/schedules", h.admin(h.handleListSchedules)).Methods(http.MethodGet)
	router.Handle("/partner/schedules", h.admin(h.handleCreateSchedule)).Methods(http.MethodPost)
	router.Handle("/partner/schedules/{id}", h.admin(h.handleDeleteSchedule)).Methods(http.MethodDelete)
}

func (h *HTTPHandler) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var params OnboardParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	onboarded, err := h.repo.Onboard(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	h.auditor.Record(r.Context(), onboarded.Partner.ID, audit.ActionOnboard, map[string]interface{}{
		"name":       onboarded.Partner.Name,
		"format":     onboarded.Partner.Format,
		"key_prefix": dlp.MaskKey(onboarded.APIKey),
	})
	middleware.WriteJSON(w, http.StatusCreated, onboarded)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	partners, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, partners)
}

func (h *HTTPHandler) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.repo.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, schedules)
}

type scheduleRequest struct {
	PartnerID string `json:"partner_id"`
	Spec      string `json:"spec"`
	Enabled   *bool  `json:"enabled"`
}

func (h *HTTPHandler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	enabled := req.Enabled == nil || *req.Enabled
	schedule, err := h.repo.CreateSchedule(r.Context(), req.PartnerID, req.Spec, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	h.reload(r)
	middleware.WriteJSON(w, http.StatusCreated, schedule)
}

func (h *HTTPHandler) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid schedule id", nil)
		return
	}
	if err := h.repo.DeleteSchedule(r.Context(), uint(id)); err != nil {
		writeError(w, err)
		return
	}
	h.reload(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) reload(r *http.Request) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Reload(r.Context()); err != nil {
		logger.Log.WithError(err).Warn("Failed to reload partner schedules")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidPartner), errors.Is(err, ErrInvalidSchedule):
		middleware.WriteError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrScheduleNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error(), nil)
	default:
		logger.Log.WithError(err).Error("partner admin request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

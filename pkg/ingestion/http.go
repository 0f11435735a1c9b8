package ingestion

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/middleware"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
)

type Middleware func(http.Handler) http.Handler

type HTTPHandler struct {
	service  *Service
	maxBody  int64
	identify Middleware
	limit    Middleware
}

// NewHTTPHandler wires the partner API. identify authenticates callers and
// limit applies the per-partner rate limit; either may be nil in tests.
func NewHTTPHandler(service *Service, maxBody int64, identify, limit Middleware) *HTTPHandler {
	passthrough := func(next http.Handler) http.Handler { return next }
	if identify == nil {
		identify = passthrough
	}
	if limit == nil {
		limit = passthrough
	}
	return &HTTPHandler{service: service, maxBody: maxBody, identify: identify, limit: limit}
}

func (h *HTTPHandler) partner(fn http.HandlerFunc) http.Handler {
	return h.identify(h.limit(fn))
}

func (h *HTTPHandler) admin(fn http.HandlerFunc) http.Handler {
	return h.identify(middleware.AdminOnly(fn))
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/partner/contract", h.handleContract).Methods(http.MethodGet)
	router.HandleFunc("/partner/contract/validate", h.handleValidate).Methods(http.MethodPost)

	router.Handle("/partner/ingest", h.partner(h.handleIngest)).Methods(http.MethodPost)
	router.Handle("/partner/jobs/requeue-failed", h.partner(h.handleRequeueFailed)).Methods(http.MethodPost)
	router.Handle("/partner/jobs/{id}", h.partner(h.handleStatus)).Methods(http.MethodGet)
	router.Handle("/partner/jobs/{id}/requeue", h.partner(h.handleRequeue)).Methods(http.MethodPost)

	router.Handle("/partner/jobs", h.admin(h.handleOverview)).Methods(http.MethodGet)
	router.Handle("/partner/diagnostics/{key}", h.admin(h.handleDiagnostics)).Methods(http.MethodGet)
	router.Handle("/partner/audit", h.admin(h.handleAudit)).Methods(http.MethodGet)
	router.Handle("/partner/metrics", h.admin(h.handleMetrics)).Methods(http.MethodGet)
}

func scopeOf(r *http.Request) jobs.Scope {
	caller, _ := middleware.CallerFrom(r.Context())
	return jobs.Scope{PartnerID: caller.PartnerID, Admin: caller.Admin}
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	caller, _ := middleware.CallerFrom(r.Context())
	if caller.PartnerID == "" {
		middleware.WriteError(w, http.StatusForbidden, "feed submission requires a partner API key", nil)
		return
	}

	async := true
	if raw := r.URL.Query().Get("async"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "async must be a boolean", nil)
			return
		}
		async = parsed
	}

	payload, contentType, err := readFeed(r)
	if err != nil {
		writeReadError(w, err)
		return
	}

	resp, err := h.service.Ingest(r.Context(), Request{
		PartnerID:   caller.PartnerID,
		ContentType: contentType,
		FeedVersion: r.Header.Get("X-Feed-Version"),
		Payload:     payload,
		Async:       async,
		Mode:        r.URL.Query().Get("mode"),
		Source:      SourceAPI,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	switch resp.Status {
	case StatusAccepted:
		status = http.StatusAccepted
	case StatusRejected:
		status = http.StatusUnprocessableEntity
	}
	middleware.WriteJSON(w, status, resp)
}

// readFeed returns the raw feed bytes and their declared content type. A
// multipart upload carries the feed in the "file" part.
func readFeed(r *http.Request) ([]byte, string, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "multipart/form-data" {
		payload, err := io.ReadAll(r.Body)
		return payload, contentType, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	partType := header.Header.Get("Content-Type")
	if partType == "" || partType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".csv":
			partType = "text/csv"
		case ".json":
			partType = "application/json"
		default:
			partType = ""
		}
	}
	return payload, partType, nil
}

func writeReadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "feed exceeds maximum size", map[string]interface{}{"limit_bytes": tooLarge.Limit})
		return
	}
	middleware.WriteError(w, http.StatusBadRequest, "could not read feed", err.Error())
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case IsRequestError(err):
		middleware.WriteError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, feed.ErrUnsupportedContentType):
		middleware.WriteError(w, http.StatusUnsupportedMediaType, "unsupported content type", err.Error())
	case feed.IsParseError(err):
		middleware.WriteError(w, http.StatusBadRequest, "feed could not be parsed", err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		middleware.WriteError(w, http.StatusForbidden, "forbidden", nil)
	case IsNotFound(err):
		middleware.WriteError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, jobs.ErrInvalidTransition):
		middleware.WriteError(w, http.StatusConflict, "invalid job state for this operation", err.Error())
	case database.IsTransient(err), errors.Is(err, context.Canceled):
		logger.Log.WithError(err).Warn("transient failure serving ingest request")
		middleware.WriteError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry", nil)
	default:
		logger.Log.WithError(err).Error("failed to serve ingest request")
		middleware.WriteError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), mux.Vars(r)["id"], scopeOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Requeue(r.Context(), mux.Vars(r)["id"], scopeOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.RequeueFailed(r.Context(), scopeOf(r), r.URL.Query().Get("partner_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"requeued": count})
}

func (h *HTTPHandler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	blob, err := h.service.Diagnostics(r.Context(), mux.Vars(r)["key"], scopeOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, blob)
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (h *HTTPHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overview, err := h.service.Overview(r.Context(), jobs.ListFilter{
		PartnerID: q.Get("partner_id"),
		Status:    q.Get("status"),
		Limit:     queryLimit(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, overview)
}

func (h *HTTPHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.service.AuditTrail(r.Context(), audit.Filter{
		PartnerID: q.Get("partner_id"),
		Action:    q.Get("action"),
		Limit:     queryLimit(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, metrics.Current())
}

func (h *HTTPHandler) handleContract(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, FeedContract())
}

func (h *HTTPHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	payload, contentType, err := readFeed(r)
	if err != nil {
		writeReadError(w, err)
		return
	}
	report, err := h.service.Validate(r.Context(), contentType, r.Header.Get("X-Feed-Version"), r.URL.Query().Get("mode"), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

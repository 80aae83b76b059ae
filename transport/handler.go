package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"convertstep/reconciler"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 10

type Finisher interface {
	FinishConversion(ctx context.Context, fileID, ownerID string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, fileID, ownerID string) error
}

type Handler struct {
	reconciler Finisher
	watcher    Enqueuer
	validator  *validator.Validate
	logger     *zap.Logger
}

// New builds the handler. watcher may be nil, in which case the watch
// endpoint answers 503.
func New(reconciler Finisher, watcher Enqueuer, logger *zap.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		watcher:    watcher,
		validator:  validator.New(),
		logger:     logger,
	}
}

// FinishConvert handles POST /v1/cloud-storage/convert/finish.
func (h *Handler) FinishConvert(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	err := h.reconciler.FinishConversion(r.Context(), req.FileUUID, userUUIDFromContext(r.Context()))
	if err == nil {
		writeSuccess(w, http.StatusOK)
		return
	}

	// The caller went away; the reconciliation itself keeps running.
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.logger.Debug("client disconnected", zap.String("file_uuid", req.FileUUID))
		return
	}

	kind := reconciler.KindOf(err)
	if kind == reconciler.KindInternal || kind == reconciler.KindRemoteQuery {
		h.report(r, err)
	}

	code, status := errorResponse(kind)
	writeJSONError(w, code, status)
}

// WatchConvert handles POST /v1/cloud-storage/convert/watch. Ownership is
// enforced when the job runs, so a foreign file id settles as not found.
func (h *Handler) WatchConvert(w http.ResponseWriter, r *http.Request) {
	if h.watcher == nil {
		writeJSONError(w, CodeServerFail, http.StatusServiceUnavailable)
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	if err := h.watcher.Enqueue(r.Context(), req.FileUUID, userUUIDFromContext(r.Context())); err != nil {
		h.report(r, err)
		writeJSONError(w, CodeServerFail, http.StatusInternalServerError)
		return
	}

	writeSuccess(w, http.StatusAccepted)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (FinishRequest, bool) {
	var req FinishRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, CodeParamsCheckFailed, http.StatusBadRequest)
		return req, false
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Debug("invalid request",
			zap.String("path", r.URL.Path),
			zap.Any("errors", validationErrorsToMap(err)),
		)
		writeJSONError(w, CodeParamsCheckFailed, http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) report(r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	sentry.CaptureException(err)
}

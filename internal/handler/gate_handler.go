package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gate-service/internal/service"
	"gate-service/internal/util"
)

// GateHandler exposes the three gate operations over HTTP.
type GateHandler struct {
	gate   *service.GateService
	logger *zap.Logger
}

func NewGateHandler(gate *service.GateService, logger *zap.Logger) *GateHandler {
	return &GateHandler{
		gate:   gate,
		logger: logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the gate routes.
func (h *GateHandler) RegisterRoutes(router chi.Router) {
	router.Route("/gate", func(r chi.Router) {
		r.Post("/classify", h.ClassifySubmission)
		r.Post("/verify", h.VerifyCode)
		r.Post("/resend", h.ResendCode)
	})
}

type classifyRequest struct {
	Phone string `json:"phone"`
}

type verifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type resendRequest struct {
	Phone string `json:"phone"`
}

// ClassifySubmission decides whether a submission is admitted, waiting on an
// earlier job, or challenged for verification.
func (h *GateHandler) ClassifySubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	decision, err := h.gate.ClassifySubmission(ctx, req.Phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Submission rejected")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(decision, "Submission classified"))
	h.logger.Info("Submission classified via HTTP",
		util.String("outcome", decision.Outcome),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyCode settles a verification challenge.
func (h *GateHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidCode, "Code is required")
		return
	}

	result, err := h.gate.VerifyCode(ctx, req.Phone, req.Code)
	if err != nil {
		var wrongCode *service.WrongCodeError
		if errors.As(err, &wrongCode) {
			resp := errorResponse(err, "Verification failed")
			resp.Data = map[string]int{"attempts_left": wrongCode.AttemptsLeft}
			h.respondWithJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification successful"))
	h.logger.Info("Code verified via HTTP",
		util.Duration("duration", time.Since(startTime)),
	)
}

// ResendCode issues a fresh code when the previous one has died.
func (h *GateHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.gate.ResendCode(ctx, req.Phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Resend rejected")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Resend processed"))
	h.logger.Info("Code resend processed via HTTP",
		util.Bool("sent", result.Sent),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *GateHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *GateHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)

	var rateLimited *service.RateLimitedError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
	}

	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *GateHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCode), errors.Is(err, service.ErrCodeExpired), errors.Is(err, service.ErrNoLiveCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrAttemptsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, service.ErrVideoLimit):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

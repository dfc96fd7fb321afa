package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/services"
)

const maxBodyBytes = 1_048_576

// retryAfterSeconds is the hint sent with retryable conflicts.
const retryAfterSeconds = "1"

// decodeJSON reads exactly one JSON object from the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, services.ErrValidation)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, services.ErrValidation)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation, services.KindCurrencyMismatch, services.KindInsufficientFunds:
		return http.StatusBadRequest
	case services.KindInvalidAccount, services.KindNotFound:
		return http.StatusNotFound
	case services.KindDuplicate, services.KindAlreadyReversed,
		services.KindDuplicateInProgress, services.KindConflict:
		return http.StatusConflict
	case services.KindInvalidState:
		return http.StatusUnprocessableEntity
	case services.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes a ledger error. Internal errors never expose their cause.
func sendError(w http.ResponseWriter, err error) {
	kind := services.KindOf(err)
	if services.Retryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	message := "Internal server error"
	var e *services.Error
	if kind != services.KindInternal && errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	if kind == services.KindInternal {
		err = services.ErrInternal
	}
	services.SendErrorResponse(w, message, statusFor(kind), err)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid "+name, http.StatusBadRequest, &services.Error{
			Kind:   services.KindValidation,
			Fields: map[string]string{name: "must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

// pageParams reads optional limit and offset query parameters.
func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			services.SendErrorResponse(w, "Invalid "+p.name, http.StatusBadRequest, &services.Error{
				Kind:   services.KindValidation,
				Fields: map[string]string{p.name: "must be a non-negative integer"},
			})
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}

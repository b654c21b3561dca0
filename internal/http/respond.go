package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/imageforge/internal/artifact"
	"github.com/splax/imageforge/internal/detect"
	"github.com/splax/imageforge/internal/docker"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/service/build"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var rejected *quota.RejectedError
	switch {
	case errors.Is(err, build.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, detect.ErrNoApplications):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rejected):
		if rejected.Limit == quota.LimitUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusTooManyRequests
	case errors.Is(err, docker.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, build.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, build.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	var rejected *quota.RejectedError
	if errors.As(err, &rejected) && status == http.StatusTooManyRequests {
		writeJSON(w, status, map[string]string{
			"error": rejected.Reason,
			"limit": string(rejected.Limit),
		})
		return
	}
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

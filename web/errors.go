package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rotating-proxy/logic"
)

type errorBody struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors to an HTTP status and a stable error kind.
// Order matters: a retarget failure may wrap ErrNotValidated.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, logic.ErrRetargetFailure):
		return http.StatusBadGateway, "retarget_failure"
	case errors.Is(err, logic.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, logic.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, logic.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, logic.ErrNoEligibleProxy):
		return http.StatusUnprocessableEntity, "no_eligible_proxy"
	case errors.Is(err, logic.ErrNotValidated):
		return http.StatusUnprocessableEntity, "not_validated"
	case errors.Is(err, logic.ErrUnsupportedProtocol):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, logic.ErrUpstreamUnreachable):
		return http.StatusBadGateway, "upstream_unreachable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func abortWithError(c *gin.Context, err error) {
	code, kind := statusFor(err)
	c.AbortWithStatusJSON(code, errorBody{Status: "error", Error: kind, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Status: "error", Error: "bad_request", Message: msg})
}

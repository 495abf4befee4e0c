package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vpcal-service/internal/booking"
	"vpcal-service/internal/logging"
	"vpcal-service/internal/meeting"
	"vpcal-service/internal/slots"
	"vpcal-service/internal/tz"
)

var errForbidden = errors.New("not permitted")

func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrInvalidInterval),
		errors.Is(err, booking.ErrMissingOwner),
		errors.Is(err, slots.ErrInvalidRange),
		errors.Is(err, slots.ErrInvalidDuration),
		errors.Is(err, slots.ErrRangeTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrUnauthorized), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, meeting.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrSchedulingConflict), errors.Is(err, booking.ErrNotCancellable),
		errors.Is(err, booking.ErrNotUpdatable), errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, booking.ErrOutsideWorkingHours):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tz.ErrInvalidTimeZone):
		// A stored zone that no longer loads is a data problem, not a
		// client error.
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status and body. Unmapped errors are logged and
// reported generically.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

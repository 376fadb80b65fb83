package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/middleware"
	"github.com/pactstake/settlement/internal/services"
)

// respondError maps the error taxonomy to status codes. Unknown errors are
// attached to the context for the request logger and hidden from the client.
func respondError(c *gin.Context, err error) {
	var (
		integrity *apperr.IntegrityError
		limited   *apperr.RateLimitedError
	)
	switch {
	case errors.As(err, &integrity):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"score":  integrity.Score,
			"issues": integrity.Issues,
		})
	case errors.As(err, &limited):
		retry := limited.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "retry_after": retry})
	case errors.Is(err, apperr.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrAuthorization):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func currentActor(c *gin.Context) (services.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return services.Actor{}, false
	}
	return actor, true
}

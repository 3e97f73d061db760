package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/repository"
	"github.com/vipul43/revsync-worker/internal/service"
)

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	var pe *service.ProviderError
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrProviderNotSupported),
		errors.Is(err, models.ErrUnknownProvider),
		errors.Is(err, models.ErrUnknownFrequency),
		errors.Is(err, repository.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProviderNotConnected), service.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSyncCancelled):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)

	msg := service.UserMessage(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

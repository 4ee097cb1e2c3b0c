package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	"adsync-scheduler/internal/models"
)

// Classify maps a sync failure to its error category.
func Classify(err error) models.ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.CategoryTimeout
	}
	if errors.Is(err, models.ErrProviderNotConnected) {
		return models.CategoryAuth
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return models.CategoryAuth
		case http.StatusTooManyRequests:
			return models.CategoryRateLimit
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return models.CategoryTimeout
		}
		return models.CategoryAPI
	}
	return models.CategoryUnknown
}

// Package broker contains concrete BrokerGateway implementations and shared
// decorators. Every gateway maps its native failures into the taxonomy in
// pkg/errors before returning.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	apperrors "optionsrunner/pkg/errors"
	resthttp "optionsrunner/pkg/http"
)

// MapHTTPError translates a transport-level failure or API error response
// into the shared taxonomy.
func MapHTTPError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *resthttp.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

func mapStatus(apiErr *resthttp.APIError) error {
	body := strings.ToLower(string(apiErr.Body))

	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, apiErr)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", apperrors.ErrDuplicateOrder, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, apiErr)
	case http.StatusServiceUnavailable:
		if strings.Contains(body, "maintenance") {
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerMaintenance, apiErr)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, apiErr)
	}

	if apiErr.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, apiErr)
	}

	if apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity {
		switch {
		case strings.Contains(body, "margin"):
			return fmt.Errorf("%w: %v", apperrors.ErrInsufficientMargin, apiErr)
		case strings.Contains(body, "instrument"), strings.Contains(body, "symbol"):
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidInstrument, apiErr)
		case strings.Contains(body, "reject"):
			return fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, apiErr)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParam, apiErr)
		}
	}

	return fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, apiErr)
}

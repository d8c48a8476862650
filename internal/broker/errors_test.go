package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "optionsrunner/pkg/errors"
	resthttp "optionsrunner/pkg/http"
)

func apiErr(status int, body string) error {
	return &resthttp.APIError{StatusCode: status, Body: []byte(body)}
}

func TestMapHTTPErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"unauthorized", apiErr(401, ""), apperrors.ErrAuthenticationFailed},
		{"forbidden", apiErr(403, ""), apperrors.ErrAuthenticationFailed},
		{"not found", apiErr(404, ""), apperrors.ErrOrderNotFound},
		{"conflict", apiErr(409, "duplicate client order id"), apperrors.ErrDuplicateOrder},
		{"throttled", apiErr(429, ""), apperrors.ErrRateLimitExceeded},
		{"maintenance", apiErr(503, "scheduled maintenance window"), apperrors.ErrBrokerMaintenance},
		{"unavailable", apiErr(503, "try again"), apperrors.ErrBrokerUnavailable},
		{"server error", apiErr(500, ""), apperrors.ErrBrokerUnavailable},
		{"margin", apiErr(400, "insufficient margin for order"), apperrors.ErrInsufficientMargin},
		{"instrument", apiErr(400, "unknown instrument"), apperrors.ErrInvalidInstrument},
		{"rejected", apiErr(422, "order rejected by risk checks"), apperrors.ErrOrderRejected},
		{"bad param", apiErr(400, "quantity must be positive"), apperrors.ErrInvalidOrderParam},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MapHTTPError(tc.in)
			assert.True(t, errors.Is(got, tc.want), "got %v", got)
		})
	}
}

func TestMapHTTPErrorTransport(t *testing.T) {
	assert.True(t, errors.Is(MapHTTPError(context.DeadlineExceeded), apperrors.ErrTimeout))
	assert.True(t, errors.Is(MapHTTPError(errors.New("connection refused")), apperrors.ErrNetwork))
	assert.NoError(t, MapHTTPError(nil))
}

// Retryability must follow from the mapping: infrastructure trouble retries,
// broker verdicts do not.
func TestMappedErrorsClassify(t *testing.T) {
	assert.True(t, apperrors.IsRetryable(MapHTTPError(apiErr(503, ""))))
	assert.True(t, apperrors.IsRetryable(MapHTTPError(apiErr(429, ""))))
	assert.False(t, apperrors.IsRetryable(MapHTTPError(apiErr(400, "insufficient margin"))))
	assert.True(t, apperrors.IsFatal(MapHTTPError(apiErr(400, "insufficient margin"))))
}

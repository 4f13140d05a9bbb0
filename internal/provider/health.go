package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"mdcore/pkg/types"
)

// RESTHealthCheck builds an AvailabilityChecker that GETs url and reports
// availability by status code. It is the natural AvailabilityChecker for a
// provider whose realtime capability is gated by REST-only account/session
// state (rate-limit status, historical data entitlement) rather than an
// open streaming connection — the descriptor's enabled flag is checked
// first so a disabled provider never issues the probe request.
func RESTHealthCheck(url string, timeout time.Duration) AvailabilityChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().SetTimeout(timeout)

	return func(ctx context.Context, d types.ProviderDescriptor) bool {
		if !d.IsEnabled {
			return false
		}
		resp, err := client.R().
			SetContext(ctx).
			Get(url)
		if err != nil {
			return false
		}
		return resp.StatusCode() == http.StatusOK
	}
}

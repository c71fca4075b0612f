/**
 * Provider adapters - common contract
 *
 * Each adapter wraps one recognition backend behind the same call shape.
 * Adapters are constructed from explicit config and never read the environment.
 */

package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// Provider recognizes text in an encoded image
type Provider interface {
	ID() ocr.ProviderID
	Capability() ocr.ProviderCapability
	Recognize(ctx context.Context, img *ocr.EncodedImage, language string, isDocument bool) (string, error)
}

// HealthChecker is implemented by providers that can verify their backend at startup
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// maxErrorBody caps how much of a failed response body ends up in error messages
const maxErrorBody = 512

// transportError maps a failed HTTP round trip onto the error taxonomy.
// A fired deadline is a timeout; anything else is a provider-side network failure.
func transportError(ctx context.Context, provider ocr.ProviderID, started time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr == context.DeadlineExceeded {
		return errors.NewTimeoutError(string(provider), time.Since(started).Round(time.Millisecond), ctxErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.NewUnknownError(string(provider), ctxErr)
	}
	return errors.NewProviderError(string(provider), "NETWORK_ERROR", "request failed", err)
}

// statusError builds the HTTP_<status> provider error from a non-2xx response
func statusError(provider ocr.ProviderID, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return errors.NewProviderError(string(provider),
		fmt.Sprintf("HTTP_%d", resp.StatusCode),
		fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body)),
		nil)
}

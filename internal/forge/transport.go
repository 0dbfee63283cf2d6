package forge

import (
	"net/http"
	"strconv"

	"openrabbit/internal/metrics"
)

// installationTransport wraps http.RoundTripper to inject the installation
// token resolved per request. Tokens rotate hourly so the header cannot be
// baked into the client at construction time.
type installationTransport struct {
	Base           http.RoundTripper
	Tokens         TokenSource
	InstallationID int64
}

// RoundTrip implements http.RoundTripper
func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Tokens.Token(req.Context(), t.InstallationID)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if resp != nil {
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
			if n, perr := strconv.ParseFloat(remaining, 64); perr == nil {
				metrics.ForgeRateRemaining.WithLabelValues(strconv.FormatInt(t.InstallationID, 10)).Set(n)
			}
		}
	}
	return resp, err
}

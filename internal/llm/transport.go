package llm

import (
	"net/http"
	"time"

	"github.com/nugget/vektra-agent/internal/httpkit"
)

// streamingHTTPClient returns the HTTP client every provider uses.
// There is no global timeout because streaming responses can be
// long-lived; ctx deadlines and cancellation control the request.
func streamingHTTPClient() *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
	)
}

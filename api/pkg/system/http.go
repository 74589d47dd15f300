package system

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// WSURL rewrites an http(s) URL into its ws(s) equivalent.
func WSURL(url string) string {
	if strings.HasPrefix(url, "http://") {
		return "ws" + url[4:]
	}
	if strings.HasPrefix(url, "https://") {
		return "wss" + url[5:]
	}
	return url
}

func AddAuthHeadersRetryable(req *retryablehttp.Request, token string) error {
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return nil
}

// NewRetryClient returns a retryablehttp client tuned for the remote APIs
// this process talks to (store, micro-VM provisioner, evaluation endpoint).
// Retries happen on transport errors and 5xx only - auth and validation
// errors come straight back to the caller.
func NewRetryClient(retryMax int) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		log.Trace().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msgf("")
	}
	retryClient.CheckRetry = func(_ context.Context, resp *http.Response, err error) (bool, error) {
		if resp == nil {
			return true, err
		}
		return resp.StatusCode >= 500, nil
	}
	return retryClient
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/val-town/deno-http-worker/protocol"
)

// encodeHeader builds the on-socket header collection for a proxied request.
// The caller's headers are copied, any caller-supplied values for the
// reserved control names are dropped, Host and Connection move into their
// control headers, and the true target URL is set. The input is never
// mutated.
func encodeHeader(header http.Header, targetURL string) http.Header {
	out := make(http.Header, len(header)+3)
	for name, values := range header {
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	for _, name := range protocol.ControlHeaders() {
		out.Del(name)
	}
	if host := out.Get("Host"); host != "" {
		out.Set(protocol.HostHeader, host)
		out.Del("Host")
	}
	if conn := out.Get("Connection"); conn != "" {
		out.Set(protocol.ConnectionHeader, conn)
		out.Del("Connection")
	}
	out.Set(protocol.URLHeader, targetURL)
	return out
}

// Request proxies one application request to the guest handler. The target
// URL and sensitive headers travel in control headers; the socket-level
// request goes to the fixed synthetic origin. Transport failures are the
// only errors returned; handler failures surface as response status codes.
func (w *Worker) Request(ctx context.Context, method, targetURL string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, protocol.SyntheticOrigin+"/", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header = encodeHeader(header, targetURL)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxying request to guest: %w", err)
	}
	return resp, nil
}

// JSONRequest issues Request and decodes the response body into out.
func (w *Worker) JSONRequest(ctx context.Context, method, targetURL string, header http.Header, body io.Reader, out any) error {
	resp, err := w.Request(ctx, method, targetURL, header, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// warmup issues the one probe that pre-establishes the pool's first live
// connection. The probe carries no target-URL header, so the guest answers
// it without invoking application code. Retries absorb the window between
// the socket file appearing and the guest accepting connections.
func (w *Worker) warmup(ctx context.Context) error {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = w.client
	retryClient.RetryMax = 10
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{w.log.Named("warmup")}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, protocol.SyntheticOrigin+"/", nil)
	if err != nil {
		return fmt.Errorf("building warm-up probe: %w", err)
	}
	resp, err := retryClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending warm-up probe: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading warm-up response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected warm-up status code %d", resp.StatusCode)
	}
	return nil
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

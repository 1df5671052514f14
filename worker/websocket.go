package worker

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Websocket dials a websocket endpoint served by the guest handler. The
// target URL travels in the control headers like any proxied request; the
// guest completes the upgrade against the original socket-level request, so
// handlers using guest.AcceptWebsocket work unchanged.
func (w *Worker) Websocket(ctx context.Context, targetURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, "ws://deno-http-worker/", &websocket.DialOptions{
		HTTPClient: w.client,
		HTTPHeader: encodeHeader(header, targetURL),
	})
	if err != nil {
		return nil, resp, fmt.Errorf("dialing guest websocket: %w", err)
	}
	return conn, resp, nil
}

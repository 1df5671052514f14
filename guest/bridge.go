package guest

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// originalRequestKey keys the retained pre-reconstruction request on the
// reconstructed request's context. The unexported type makes the key
// collision-proof: nothing outside this package can read or overwrite the
// entry.
type originalRequestKey struct{}

func withOriginalRequest(app, orig *http.Request) *http.Request {
	return app.WithContext(context.WithValue(app.Context(), originalRequestKey{}, orig))
}

// originalRequest returns the inbound socket-level request the given
// reconstructed request was derived from, or nil for a request that did not
// come through the decoder.
func originalRequest(r *http.Request) *http.Request {
	orig, _ := r.Context().Value(originalRequestKey{}).(*http.Request)
	return orig
}

// AcceptWebsocket completes a websocket upgrade for a handler's request. The
// handshake must run against the original inbound request: the reconstructed
// request has had its Connection header rewritten and does not carry the
// connection state the upgrade is tied to. Handlers call this in place of
// websocket.Accept and notice no other difference.
func AcceptWebsocket(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*websocket.Conn, error) {
	if orig := originalRequest(r); orig != nil {
		r = orig
	}
	return websocket.Accept(w, r, opts)
}

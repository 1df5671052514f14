package guest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/val-town/deno-http-worker/protocol"
)

type loaderFunc func(ctx context.Context, kind, body string) (Handler, error)

func (f loaderFunc) Load(ctx context.Context, kind, body string) (Handler, error) {
	return f(ctx, kind, body)
}

func newTestServer(t *testing.T, loader Loader) *httptest.Server {
	t.Helper()
	s, err := NewServer(Config{
		SocketPath: "/tmp/test.sock",
		Kind:       protocol.KindScript,
		Body:       "handler",
		Loader:     loader,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func TestNewServerValidation(t *testing.T) {
	loader := loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return nil, nil
	})

	_, err := NewServer(Config{Kind: protocol.KindScript, Loader: loader})
	assert.Error(t, err)

	_, err = NewServer(Config{SocketPath: "/tmp/s.sock", Kind: "eval", Loader: loader})
	assert.Error(t, err)

	_, err = NewServer(Config{SocketPath: "/tmp/s.sock", Kind: protocol.KindImport})
	assert.Error(t, err)
}

func TestWarmupProbeSkipsApplicationCode(t *testing.T) {
	var loads int64
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		atomic.AddInt64(&loads, 1)
		return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error { return nil }), nil
	}))

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.WarmupBody, string(body))
	assert.Equal(t, int64(0), atomic.LoadInt64(&loads))
}

func TestReconstructedRequest(t *testing.T) {
	type seen struct {
		url    string
		host   string
		header http.Header
	}
	var mu sync.Mutex
	var got seen

	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			mu.Lock()
			got = seen{url: r.URL.String(), host: r.Host, header: r.Header.Clone()}
			mu.Unlock()
			return nil
		}), nil
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "https://localhost/hello?isee=you")
	req.Header.Set(protocol.HostHeader, "fish")
	req.Header.Set(protocol.ConnectionHeader, "happy")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "https://localhost/hello?isee=you", got.url)
	assert.Equal(t, "fish", got.host)
	assert.Equal(t, "happy", got.header.Get("Connection"))
	assert.Equal(t, "application/json", got.header.Get("Accept"))
	for _, name := range protocol.ControlHeaders() {
		_, present := got.header[name]
		assert.False(t, present, "handler observed control header %s", name)
	}
	_, present := got.header["Host"]
	assert.False(t, present, "handler observed a transport Host header")
}

func TestReconstructedRequestWithoutControlValues(t *testing.T) {
	var mu sync.Mutex
	var gotHost string
	var gotConn []string

	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			mu.Lock()
			gotHost = r.Host
			gotConn = r.Header.Values("Connection")
			mu.Unlock()
			return nil
		}), nil
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "https://localhost/")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, gotHost, "handler observed the transport's incidental host")
	assert.Empty(t, gotConn, "handler observed the transport's incidental connection value")
}

func TestInvalidTargetURLRejected(t *testing.T) {
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		t.Error("loader must not run for an invalid target URL")
		return nil, io.ErrUnexpectedEOF
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "://not-a-url")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type erroringHandler struct{}

func (erroringHandler) Fetch(w http.ResponseWriter, r *http.Request) error {
	return io.ErrUnexpectedEOF
}

func (erroringHandler) OnError(w http.ResponseWriter, r *http.Request, err error) {
	w.WriteHeader(http.StatusTeapot)
	io.WriteString(w, err.Error())
}

func TestHandlerErrorUsesOnErrorHook(t *testing.T) {
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return erroringHandler{}, nil
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "https://localhost/")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), string(body))
}

func TestHandlerErrorDefaultsTo500(t *testing.T) {
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return io.ErrUnexpectedEOF
		}), nil
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "https://localhost/")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	var calls int64
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			if atomic.AddInt64(&calls, 1) == 1 {
				panic("first request panics")
			}
			w.WriteHeader(http.StatusOK)
			return nil
		}), nil
	}))

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(protocol.URLHeader, "https://localhost/")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	req2, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req2.Header.Set(protocol.URLHeader, "https://localhost/")

	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestFailedLoadIsTerminal(t *testing.T) {
	var loads int64
	ts := newTestServer(t, loaderFunc(func(ctx context.Context, kind, body string) (Handler, error) {
		atomic.AddInt64(&loads, 1)
		return nil, io.ErrUnexpectedEOF
	}))

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
		require.NoError(t, err)
		req.Header.Set(protocol.URLHeader, "https://localhost/")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&loads))
}

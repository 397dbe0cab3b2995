package hkpair

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Transport carries pairing messages from a controller to an accessory.
// Post sends body to path and returns the response body of a 200 answer.
type Transport interface {
	Post(ctx context.Context, path string, contentType string, body []byte) ([]byte, error)
}

// upgrader is implemented by transports that can switch to the session
// record layer after pair-verify.
type upgrader interface {
	UpgradeEnc(ss *Session)
}

// StatusError is returned for responses other than 200 OK.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: invalid status code %v", e.Path, e.Code)
}

// Unwrap maps a 470 answer onto ErrNotVerified.
func (e *StatusError) Unwrap() error {
	if e.Code == StatusConnectionAuthorizationRequired {
		return ErrNotVerified
	}
	return nil
}

// httpTransport speaks HTTP/1.1 over a single connection. Requests are
// serialized; each response is read completely before the next request.
type httpTransport struct {
	cc   *conn
	host string

	mu    sync.Mutex
	rd    *bufio.Reader
	httpc *http.Client
}

type roundTripper struct {
	t *httpTransport
}

// RoundTrip implementation to be able to use with http.Client
func (r *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if deadline, ok := req.Context().Deadline(); ok {
		r.t.cc.SetDeadline(deadline)
		defer r.t.cc.SetDeadline(time.Time{})
	}

	if err := req.Write(r.t.cc); err != nil {
		return nil, err
	}
	res, err := http.ReadResponse(r.t.rd, req)
	if err != nil {
		return nil, err
	}
	// drain now so that the next response starts at the head of rd
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, nil
}

func newHTTPTransport(cc *conn) *httpTransport {
	t := &httpTransport{
		cc:   cc,
		host: cc.RemoteAddr().String(),
		rd:   bufio.NewReader(cc),
	}
	t.httpc = &http.Client{
		Transport: &roundTripper{t},
		// accessories never redirect
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return t
}

func (t *httpTransport) url(path string) string {
	return "http://" + t.host + path
}

// Do sends req and returns the response with its body already read.
func (t *httpTransport) Do(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.httpc.Do(req)
}

func (t *httpTransport) request(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.url(path), rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := t.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	all, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return all, &StatusError{Path: path, Code: res.StatusCode}
	}
	return all, nil
}

func (t *httpTransport) Post(ctx context.Context, path string, contentType string, body []byte) ([]byte, error) {
	return t.request(ctx, http.MethodPost, path, contentType, body)
}

func (t *httpTransport) Get(ctx context.Context, path string) ([]byte, error) {
	return t.request(ctx, http.MethodGet, path, "", nil)
}

func (t *httpTransport) UpgradeEnc(ss *Session) {
	t.cc.UpgradeEnc(ss)
}

func (t *httpTransport) Close() error {
	return t.cc.Close()
}

// dialHTTP connects to addr and returns an HTTP transport over the wrapped conn.
func dialHTTP(ctx context.Context, addr string, timeout time.Duration, log logging.LeveledLogger) (*httpTransport, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newHTTPTransport(newConn(raw, log)), nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/auth"
	"github.com/exportworks/excel-export/internal/export"
)

// responseHeaderTimeout bounds how long the export API may take to answer
// with headers; the body afterwards is paced by the stream, not a timer.
const responseHeaderTimeout = 30 * time.Second

// Forwarder relays one request to the export API with a minted service token
// and pipes the response back without reading or re-encoding the body.
type Forwarder struct {
	baseURL string
	minter  *auth.Minter
	client  *http.Client
}

// NewForwarder builds a Forwarder for the export API at baseURL. proxyURL
// optionally routes upstream connections through a socks5, http, or https
// proxy; empty means a direct connection.
func NewForwarder(baseURL string, minter *auth.Minter, proxyURL string) (*Forwarder, error) {
	transport := &http.Transport{
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
	if proxyURL != "" {
		if err := configureProxy(transport, proxyURL); err != nil {
			return nil, err
		}
	}
	return &Forwarder{
		baseURL: baseURL,
		minter:  minter,
		client:  &http.Client{Transport: transport},
	}, nil
}

func configureProxy(transport *http.Transport, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("gateway: invalid proxy url: %w", err)
	}
	switch parsed.Scheme {
	case "socks5":
		var authInfo *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			authInfo = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, authInfo, proxy.Direct)
		if err != nil {
			return fmt.Errorf("gateway: create socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		return fmt.Errorf("gateway: unsupported proxy scheme %q", parsed.Scheme)
	}
	return nil
}

// Forward validates the request, mints a service token, and relays the call
// to upstreamPath on the export API. The response body streams through
// unbuffered. Upstream transport failures answer with a bare status code
// (502 connection refused, 504 timeout); once response bytes are on the wire
// the only remaining failure mode is an abortive close.
func (f *Forwarder) Forward(c *gin.Context, upstreamPath string) {
	// reject bad parameters here; no upstream call is made
	if _, aerr := export.ValidateRowCount(c.Query("rowCount")); aerr != nil {
		apperr.WriteJSON(c, aerr, false)
		return
	}

	token, err := f.minter.Mint()
	if err != nil {
		log.Errorf("gateway: failed to mint service token: %v", err)
		apperr.WriteJSON(c, apperr.Wrap(err, apperr.CodeInternal, "internal server error"), false)
		return
	}

	target := f.baseURL + upstreamPath
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, target, nil)
	if err != nil {
		apperr.WriteJSON(c, apperr.Wrap(err, apperr.CodeInternal, "internal server error"), false)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if id := c.GetString("request_id"); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.failUpstream(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)

	// flush per chunk so the client sees bytes as the API produces them
	if _, err := io.Copy(flushWriter{c.Writer}, resp.Body); err != nil {
		log.Warnf("gateway: upstream stream interrupted: %v", err)
		panic(http.ErrAbortHandler)
	}
}

// failUpstream answers an upstream transport failure. Status code only, no
// body; a half-proxied response is torn down instead.
func (f *Forwarder) failUpstream(c *gin.Context, err error) {
	if c.Writer.Written() {
		log.Errorf("gateway: upstream failed mid-response: %v", err)
		panic(http.ErrAbortHandler)
	}
	status := http.StatusBadGateway
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	log.Errorf("gateway: upstream request failed (%d): %v", status, err)
	c.AbortWithStatus(status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// hopByHopHeaders are connection-scoped and never copied through a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = values
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	// lengths and encodings are recomputed by the gateway's own transport
	dst.Del("Content-Length")
}

// flushWriter pushes every chunk to the client immediately.
type flushWriter struct {
	w gin.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.w.Flush()
	}
	return n, err
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}

package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/logger"
)

const (
	defaultRequestTimeout = 10 * time.Second
	readChunkSize         = 32 * 1024
	// maxPreallocSize bounds the buffer reserved from a declared Content-Length.
	maxPreallocSize       = 64 * readChunkSize
)

// HTTPTransport loads requests over HTTP/1.1, HTTP/2 or HTTP/3. Credentialed
// requests share a cookie jar; anonymous requests never send cookies.
type HTTPTransport struct {
	anonymous   *http.Client
	credentials *http.Client
	h3          *http3.RoundTripper
	limiter     *rate.Limiter
	userAgent   string
	logger      logger.Logger
}

// NewHTTPTransport builds a transport from the transport configuration.
func NewHTTPTransport(cfg config.TransportConfig, log logger.Logger) (*HTTPTransport, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	t := &HTTPTransport{
		userAgent: cfg.UserAgent,
		logger:    logger.ForComponent(log, "http_transport", ""),
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in for test origins
	}
	var rt http.RoundTripper
	if cfg.HTTP3 {
		t.h3 = &http3.RoundTripper{TLSClientConfig: tlsConfig}
		rt = t.h3
	} else {
		rt = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
			TLSClientConfig:       tlsConfig,
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	t.anonymous = &http.Client{Transport: rt, Timeout: timeout}
	t.credentials = &http.Client{Transport: rt, Timeout: timeout, Jar: jar}

	if cfg.MaxRequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	return t, nil
}

// Load runs the request on its own goroutine.
func (t *HTTPTransport) Load(ctx context.Context, req *Request, progress func(Progress), done func(*Response, error)) {
	go func() {
		resp, err := t.do(ctx, req, progress)
		if errors.Is(err, context.Canceled) {
			return
		}
		done(resp, err)
	}()
}

func (t *HTTPTransport) do(ctx context.Context, req *Request, progress func(Progress)) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), req.URL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Request-ID", req.ID)
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", "bytes="+req.Range)
	}

	client := t.anonymous
	if req.WithCredentials {
		client = t.credentials
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp := &Response{
		StatusCode:    httpResp.StatusCode,
		Header:        httpResp.Header,
		ContentLength: httpResp.ContentLength,
		URL:           httpResp.Request.URL.String(),
	}
	if req.CheckExistenceOnly {
		return resp, nil
	}

	body, err := readBody(httpResp.Body, httpResp.ContentLength, progress)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

func readBody(r io.Reader, total int64, progress func(Progress)) ([]byte, error) {
	var body []byte
	if total > 0 {
		body = make([]byte, 0, min(total, maxPreallocSize))
	}
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			if progress != nil {
				progress(Progress{Loaded: int64(len(body)), Total: total})
			}
		}
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.anonymous.CloseIdleConnections()
	if t.h3 != nil {
		return t.h3.Close()
	}
	return nil
}

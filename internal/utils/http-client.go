package utils

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type HTTPClientConfig struct {
	Timeout       time.Duration
	KATimeout     time.Duration
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headers       map[string]string
	// Certificate checks are off unless VerifyTLS is set; many hosts this tool
	// pulls from serve broken or self-signed chains.
	VerifyTLS bool
}

// HTTPDoer is what the downloaders need from a client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
	Timeout() time.Duration
}

type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   MaxChunks * 2,
		DisableCompression:    true,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	return &HTTPClient{
		// Body streams can legitimately outlive any fixed deadline, so the
		// 60s budget is applied to headers here and to read stalls by IdleReader.
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

func (c *HTTPClient) Timeout() time.Duration {
	return c.config.Timeout
}

// Do fills in the user agent, browser-like defaults and configured headers
// without overriding anything the caller already set on the request.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	ua := c.config.UserAgent
	switch ua {
	case "":
		ua = ToolUserAgent
	case "randomize":
		ua = GetRandomUserAgent()
	}
	setIfEmpty(req.Header, "User-Agent", ua)
	for k, v := range defaultHeaders {
		setIfEmpty(req.Header, k, v)
	}
	for k, v := range c.config.Headers {
		setIfEmpty(req.Header, k, v)
	}
	return c.client.Do(req)
}

func setIfEmpty(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

// IdleReader cancels the request context when no bytes arrive for the
// configured timeout. Stalled() tells a stall apart from caller cancellation.
type IdleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	stalled bool
}

func NewIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *IdleReader {
	ir := &IdleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.mu.Lock()
		ir.stalled = true
		ir.mu.Unlock()
		cancel()
	})
	return ir
}

func (ir *IdleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *IdleReader) Stop() {
	ir.timer.Stop()
}

func (ir *IdleReader) Stalled() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.stalled
}

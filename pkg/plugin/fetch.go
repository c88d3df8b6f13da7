package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const maxFetchBody = 4 << 20

// FetchRequest is an HTTP request issued by a plugin.
type FetchRequest struct {
	URL     string            `json:"url" mapstructure:"url"`
	Method  string            `json:"method,omitempty" mapstructure:"method"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body    string            `json:"body,omitempty" mapstructure:"body"`
}

// FetchResponse is the result of a plugin fetch.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// JSON queries the body with a gjson path.
func (r *FetchResponse) JSON(path string) gjson.Result {
	if path == "" || path == "@this" {
		return gjson.Parse(r.Body)
	}
	return gjson.Get(r.Body, path)
}

// FetcherConfig configures the host HTTP proxy used by plugins
type FetcherConfig struct {
	Timeout      time.Duration
	AllowedHosts []string
	Client       *http.Client
}

type fetchPluginKey struct{}

// Fetcher proxies plugin HTTP requests.
type Fetcher struct {
	client       *http.Client
	allowedHosts map[string]bool
	logger       zerolog.Logger
}

// NewFetcher creates a fetcher
func NewFetcher(cfg FetcherConfig, logger zerolog.Logger) *Fetcher {
	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	} else {
		client.Timeout = cfg.Timeout
		if client.Timeout <= 0 {
			client.Timeout = 30 * time.Second
		}
	}

	hosts := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		hosts[strings.ToLower(h)] = true
	}

	f := &Fetcher{
		allowedHosts: hosts,
		logger:       logger.With().Str("component", "plugin-fetch").Logger(),
	}

	// Every redirect hop goes through the allow-list again.
	next := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		pluginID, _ := req.Context().Value(fetchPluginKey{}).(string)
		if _, err := f.Check(pluginID, req.URL.String()); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	f.client = &client
	return f
}

// Check validates the request URL against the host allow-list without any I/O.
func (f *Fetcher) Check(pluginID, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if len(f.allowedHosts) > 0 && !f.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, &PermissionError{
			PluginID:   pluginID,
			Permission: PermissionNetworkFetch,
			Reason:     fmt.Sprintf("host %s is not allowed", u.Hostname()),
		}
	}
	return u, nil
}

// Do performs the request on behalf of pluginID
func (f *Fetcher) Do(ctx context.Context, pluginID string, req FetchRequest) (*FetchResponse, error) {
	u, err := f.Check(pluginID, req.URL)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	ctx = context.WithValue(ctx, fetchPluginKey{}, pluginID)
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	f.logger.Debug().
		Str("plugin", pluginID).
		Str("method", method).
		Str("host", u.Host).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Plugin fetch")

	return &FetchResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(data),
	}, nil
}

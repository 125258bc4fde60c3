package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"relay-fleet/internal/domain/server"
)

const originControlPort = 1985

// Prober checks whether a fleet server is serving traffic.
type Prober interface {
	IsReady(ctx context.Context, s *server.Server) bool
	CheckHealth(ctx context.Context, s *server.Server) (bool, string)
}

type statusBody struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

type HTTPProber struct {
	client *http.Client
	// baseURL overrides the address derived from the server; tests point it at httptest.
	baseURL func(s *server.Server) string
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTPProber{client: client, baseURL: baseURL}
}

func baseURL(s *server.Server) string {
	if s.Type == server.TypeOrigin {
		return fmt.Sprintf("http://%s:%d", s.IP, originControlPort)
	}
	return "https://" + s.Hostname
}

func (p *HTTPProber) IsReady(ctx context.Context, s *server.Server) bool {
	ok, _ := p.get(ctx, p.baseURL(s)+"/ready")
	return ok
}

func (p *HTTPProber) CheckHealth(ctx context.Context, s *server.Server) (bool, string) {
	return p.get(ctx, p.baseURL(s)+"/health")
}

func (p *HTTPProber) get(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, err.Error()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	var body statusBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, "invalid response body"
	}
	if body.Code == nil {
		return false, "missing code"
	}
	if *body.Code != 0 {
		msg := body.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", *body.Code)
		}
		return false, msg
	}
	if body.Message == "" {
		return true, "ok"
	}
	return true, body.Message
}

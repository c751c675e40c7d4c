package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

// HTTPGateway talks to the host's session API over HTTP.
type HTTPGateway struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPGateway creates an HTTP-based session gateway.
func NewHTTPGateway(endpoint string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Abort cancels the in-flight request for a session.
func (g *HTTPGateway) Abort(ctx context.Context, sessionID string) error {
	_, err := g.do(ctx, http.MethodPost, g.sessionPath(sessionID, "abort"), nil)
	return err
}

// Messages fetches the session's message history.
func (g *HTTPGateway) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	body, err := g.do(ctx, http.MethodGet, g.sessionPath(sessionID, "message"), nil)
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return resp.Messages, nil
}

// Resend re-issues the given parts against the session with a new model.
func (g *HTTPGateway) Resend(ctx context.Context, sessionID string, parts []domain.Part, model domain.FallbackModel) error {
	payload, err := json.Marshal(resendRequest{Parts: parts, Model: model})
	if err != nil {
		return fmt.Errorf("marshal resend request: %w", err)
	}
	_, err = g.do(ctx, http.MethodPost, g.sessionPath(sessionID, "message"), payload)
	return err
}

func (g *HTTPGateway) sessionPath(sessionID, op string) string {
	return fmt.Sprintf("%s/session/%s/%s", g.endpoint, url.PathEscape(sessionID), op)
}

func (g *HTTPGateway) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

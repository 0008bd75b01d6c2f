// Package sessions talks to the session owner over HTTP. It answers whether
// a session is still open and closes sessions the sweeper abandons.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"frameworks/pkg/clients"
	"frameworks/pkg/logging"
)

// ErrSessionNotFound is returned when the owner does not know the session.
var ErrSessionNotFound = errors.New("session not found")

type Config struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	Logger       logging.Logger
	Executor     clients.HTTPExecutorConfig
}

type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	executor     failsafe.Executor[*http.Response]
	logger       logging.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("session owner URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid session owner URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	execCfg := cfg.Executor
	if execCfg.MaxRetries == 0 && execCfg.BaseDelay == 0 {
		execCfg = clients.DefaultHTTPExecutorConfig()
	}
	if execCfg.CircuitBreaker == nil {
		cbCfg := clients.DefaultCircuitBreakerConfig("sessions")
		cbCfg.Logger = cfg.Logger
		execCfg.CircuitBreaker = clients.NewHTTPCircuitBreaker(cbCfg)
	}

	return &Client{
		baseURL:      base,
		serviceToken: cfg.ServiceToken,
		httpClient:   clients.NewHTTPClient(cfg.Timeout),
		executor:     clients.NewHTTPExecutor(execCfg),
		logger:       cfg.Logger,
	}, nil
}

type sessionState struct {
	Open bool `json:"open"`
}

// IsOpen reports whether the session is still active. A session the owner
// no longer knows about counts as closed.
func (c *Client) IsOpen(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unexpectedStatus(resp)
	}

	var state sessionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, fmt.Errorf("decode session state: %w", err)
	}
	return state.Open, nil
}

// CloseSession asks the owner to close the session. Closing an already
// closed session succeeds.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/close")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusConflict:
		return nil
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return unexpectedStatus(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.serviceToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.serviceToken)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("session owner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

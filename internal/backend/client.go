package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// Config configures the backend client
type Config struct {
	BaseURL       string
	AuthToken     string
	SessionCookie string
	Timeout       time.Duration
}

// Client talks to the recording backend HTTP API
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

// NewClient creates a backend client
func NewClient(config Config, log *logger.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "hilo-recorder/1.0")

	if config.AuthToken != "" {
		httpClient.SetAuthToken(config.AuthToken)
	}
	if config.SessionCookie != "" {
		httpClient.SetCookie(&http.Cookie{Name: "session", Value: config.SessionCookie})
	}

	return &Client{
		http:   httpClient,
		logger: log.Named("backend"),
	}
}

// AuthHeader returns the headers the chunk channel must present
func AuthHeader(config Config) http.Header {
	header := http.Header{}
	if config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+config.AuthToken)
	}
	if config.SessionCookie != "" {
		header.Set("Cookie", (&http.Cookie{Name: "session", Value: config.SessionCookie}).String())
	}
	return header
}

// Start creates the project. A zero-remaining rejection returns *NoQuotaError.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&envelope{}).
		Post("/api/project/start")
	if err != nil {
		return nil, fmt.Errorf("failed to call start: %w", err)
	}

	env := c.envelopeOf(resp, "start")

	if env.RecordingRemainingSeconds != nil && *env.RecordingRemainingSeconds == 0 && (env.OK == nil || !*env.OK) {
		c.logger.Info("Start rejected: no recording time left",
			logger.Int("status", resp.StatusCode()))
		return nil, &NoQuotaError{
			Message:    env.Error,
			ResetAt:    env.RecordingResetAt.Ptr(),
			WindowDays: env.RecordingWindowDays,
		}
	}

	if err := checkResponse(resp.StatusCode(), env); err != nil {
		return nil, err
	}

	if out.ProjectID == "" {
		return nil, &APIError{Status: resp.StatusCode(), Message: "start response without project_id"}
	}

	c.logger.Info("Project started", logger.String("project_id", out.ProjectID))
	return &out, nil
}

// Stop finalizes the project on the server
func (c *Client) Stop(ctx context.Context, req StopRequest) (*StopResponse, error) {
	var out StopResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&envelope{}).
		Post("/api/project/stop")
	if err != nil {
		return nil, fmt.Errorf("failed to call stop: %w", err)
	}

	if err := checkResponse(resp.StatusCode(), c.envelopeOf(resp, "stop")); err != nil {
		return nil, err
	}

	c.logger.Info("Project stopped",
		logger.String("project_id", req.ProjectID),
		logger.String("result_url", out.ResultURL))
	return &out, nil
}

// Discard deletes the project and everything recorded for it
func (c *Client) Discard(ctx context.Context, projectID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&envelope{}).
		Delete("/api/project/" + url.PathEscape(projectID))
	if err != nil {
		return fmt.Errorf("failed to call delete: %w", err)
	}

	if err := checkResponse(resp.StatusCode(), c.envelopeOf(resp, "discard")); err != nil {
		return err
	}

	c.logger.Info("Project discarded", logger.String("project_id", projectID))
	return nil
}

// UploadPhoto sends one still. Rejections come back as *APIError so the
// caller can inspect the exhaustion text.
func (c *Client) UploadPhoto(ctx context.Context, req PhotoRequest) (*PhotoResponse, error) {
	var out PhotoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&envelope{}).
		Post("/api/photo")
	if err != nil {
		return nil, fmt.Errorf("failed to upload photo: %w", err)
	}

	if err := checkResponse(resp.StatusCode(), c.envelopeOf(resp, "photo")); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoteConfig fetches the public client configuration
func (c *Client) RemoteConfig(ctx context.Context) (*RemoteConfig, error) {
	var out RemoteConfig
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/config")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Status: resp.StatusCode(), Message: http.StatusText(resp.StatusCode())}
	}
	return &out, nil
}

// envelopeOf reads ok and error from a reply. Error bodies are decoded by
// resty; a success body carries the envelope next to the typed result.
func (c *Client) envelopeOf(resp *resty.Response, op string) envelope {
	if resp.IsError() {
		if env, ok := resp.Error().(*envelope); ok && env != nil {
			return *env
		}
		return envelope{}
	}

	var env envelope
	if len(resp.Body()) == 0 {
		return env
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		c.logger.Debug("Malformed response envelope",
			logger.String("op", op),
			logger.Int("status", resp.StatusCode()),
			logger.Error(err))
	}
	return env
}

// checkResponse turns non-2xx or ok=false replies into *APIError
func checkResponse(status int, env envelope) error {
	if status >= 200 && status < 300 && (env.OK == nil || *env.OK) {
		return nil
	}

	message := env.Error
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{Status: status, Message: message}
}

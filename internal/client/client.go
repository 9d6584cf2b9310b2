package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"killswitch/internal/api/handlers"
	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseSize ограничивает чтение ответа (журнал может быть большим)
const maxResponseSize = 32 << 20

// Client - клиент операторского HTTP API демона
//
// Отвечает за:
// - Формирование запросов /api/v1/* с Bearer токеном и X-Operator
// - Разбор ErrorResponse обратно в ошибки сервиса (errors.Is работает
//   так же, как при локальном вызове, и service.Classify дает тот же итог)
type Client struct {
	baseURL  string
	token    string
	operator string
	http     *http.Client
}

// Option настраивает Client
type Option func(*Client)

// WithToken задает Bearer токен
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithOperator задает имя оператора для заголовка X-Operator
func WithOperator(name string) Option {
	return func(c *Client) { c.operator = name }
}

// WithTransport задает настройки транспорта
func WithTransport(cfg TransportConfig) Option {
	return func(c *Client) { c.http = newHTTPClient(cfg) }
}

// WithHTTPClient подменяет http.Client (тесты)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New создает клиент. baseURL - адрес демона (http://127.0.0.1:8090).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}

	c := &Client{baseURL: u.String()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newHTTPClient(DefaultTransportConfig())
	}
	return c, nil
}

// BaseURL возвращает адрес демона
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================
// Ошибки API
// ============================================================

// APIError - ответ демона с кодом ошибки
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s (%d %s): %s", msg, e.StatusCode, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (%d %s)", msg, e.StatusCode, e.Code)
}

// Unwrap возвращает ошибку сервиса, соответствующую коду ответа
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_input", "invalid_body", "invalid_since", "invalid_until", "invalid_limit":
		return service.ErrInvalidInput
	case "already_killed":
		return service.ErrAlreadyKilled
	case "approval_throttled":
		return killswitch.ErrApprovalThrottled
	case "approval_failed":
		return killswitch.ErrRecoveryApprovalFailed
	case "health_check_failed":
		return killswitch.ErrHealthCheckFailed
	case "not_killed":
		return killswitch.ErrNotKilled
	case "no_pending_request":
		return killswitch.ErrNoPendingRequest
	case "persistence_failure":
		return killswitch.ErrPersistenceFailure
	}
	return nil
}

// ============================================================
// Операции
// ============================================================

// Status - GET /api/v1/status
func (c *Client) Status(ctx context.Context, verify bool) (service.StatusReport, error) {
	var report service.StatusReport
	path := "/api/v1/status"
	if verify {
		path += "?verify=true"
	}
	err := c.do(ctx, http.MethodGet, path, nil, &report)
	return report, err
}

// Trigger - POST /api/v1/trigger
func (c *Client) Trigger(ctx context.Context, reason, operator string) (models.KillSwitchEvent, error) {
	var resp handlers.TriggerResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/trigger", handlers.TriggerRequest{Reason: reason, Operator: operator}, &resp)
	return resp.Event, err
}

// SubmitContext - POST /api/v1/context
func (c *Client) SubmitContext(ctx context.Context, tctx trigger.Context) (service.ContextResult, error) {
	var res service.ContextResult
	err := c.do(ctx, http.MethodPost, "/api/v1/context", tctx, &res)
	return res, err
}

// Recover - POST /api/v1/recover
func (c *Client) Recover(ctx context.Context, in service.RecoverInput) (*service.RecoverResult, error) {
	var res service.RecoverResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/recover", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecoveryStatus - GET /api/v1/recovery
func (c *Client) RecoveryStatus(ctx context.Context) (killswitch.RecoveryInfo, error) {
	var info killswitch.RecoveryInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/recovery", nil, &info)
	return info, err
}

// Health - GET /api/v1/health
//
// 503 содержит тот же HealthCheckResult: он возвращается вместе с
// ошибкой, оборачивающей service.ErrUnhealthy.
func (c *Client) Health(ctx context.Context) (models.HealthCheckResult, error) {
	var res models.HealthCheckResult
	status, body, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return res, err
	}

	switch status {
	case http.StatusOK, http.StatusServiceUnavailable:
		if err := json.Unmarshal(body, &res); err != nil {
			return res, fmt.Errorf("decode health response: %w", err)
		}
		if status == http.StatusServiceUnavailable {
			return res, fmt.Errorf("%w: %s", service.ErrUnhealthy, strings.Join(res.FailedChecks, ", "))
		}
		return res, nil
	default:
		return res, parseError(status, body)
	}
}

// Audit - GET /api/v1/audit
func (c *Client) Audit(ctx context.Context, since, until time.Time, limit int) ([]models.AuditEntry, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp handlers.AuditResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ============================================================
// HTTP
// ============================================================

// do выполняет запрос и декодирует 2xx ответ в out
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	status, body, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return parseError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in interface{}) (int, []byte, error) {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.operator != "" {
		req.Header.Set(handlers.OperatorHeader, c.operator)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, body, nil
}

// parseError разбирает ErrorResponse; не-JSON тело (401 от auth) идет в Message
func parseError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}

	var er handlers.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && (er.Error != "" || er.Code != "") {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
		apiErr.Details = er.Details
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

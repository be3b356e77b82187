// Package pipeline turns a logical platform API call into rate-limited,
// retried HTTP attempts and normalizes failures into the syncerr taxonomy.
package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/syncerr"
)

const (
	DefaultAPIBaseURL  = "https://api.vercel.com"
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultHTTPTimeout = 30 * time.Second
	tracerName         = "deploystore/pipeline"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
	UserAgent   string
	// Sleep replaces the backoff wait; tests use it to observe delays.
	Sleep  SleepFunc
	Now    func() time.Time
	Logger Logger
	Tracer trace.Tracer
}

type RequestOptions struct {
	Method  string
	Query   url.Values
	Headers map[string]string
	Body    any
}

type Client struct {
	session     *Session
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	userAgent   string
	sleep       SleepFunc
	now         func() time.Time
	logger      Logger
	tracer      trace.Tracer
}

func NewClient(session *Session, opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Client{
		session:     session,
		baseURL:     baseURL,
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		sleep:       sleep,
		now:         now,
		logger:      opts.Logger,
		tracer:      tracer,
	}
}

// Session exposes the shared credential and quota state.
func (c *Client) Session() *Session {
	return c.session
}

// Request performs the call and returns the raw JSON body.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.Do(ctx, endpoint, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Do performs the call and decodes a successful body into out (which may be nil).
func (c *Client) Do(ctx context.Context, endpoint string, opts RequestOptions, out any) error {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	op := method + " " + endpoint
	if c.session == nil || c.session.Token() == "" {
		return syncerr.New(syncerr.ErrAuth, op, "token not set")
	}
	target, err := c.resolve(endpoint, opts.Query)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrClient, op, err)
	}
	var bodyBytes []byte
	if opts.Body != nil {
		bodyBytes, err = json.Marshal(opts.Body)
		if err != nil {
			return syncerr.Wrap(syncerr.ErrClient, op, err)
		}
	}
	correlationID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "pipeline.request", trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("deploystore.endpoint", endpoint),
		attribute.String("deploystore.correlation_id", correlationID),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.session.Window.Acquire(ctx); err != nil {
			lastErr = err
			break
		}
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
		err := c.attempt(ctx, op, method, target, bodyBytes, opts.Headers, correlationID, out)
		if err == nil {
			span.SetAttributes(attribute.Int("deploystore.attempts", attempt+1))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !syncerr.Retryable(err) {
			break
		}
		if attempt < c.maxAttempts-1 {
			delay := c.retryDelay(attempt)
			c.logf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt+1, c.maxAttempts, delay, err)
			if waitErr := c.sleep(ctx, delay); waitErr != nil {
				lastErr = waitErr
				break
			}
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

func (c *Client) attempt(
	ctx context.Context,
	op, method, target string,
	bodyBytes []byte,
	headers map[string]string,
	correlationID string,
	out any,
) error {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrClient, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return syncerr.Wrap(syncerr.ErrNetwork, op, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.session.Window.Update(resp.Header)
	if readErr != nil {
		return syncerr.Wrap(syncerr.ErrNetwork, op, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return syncerr.Wrap(syncerr.ErrSchema, op, err)
		}
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.session.Window.Drain(c.retryAfterDeadline(resp.Header.Get("Retry-After")))
	}
	code, message := parseErrorPayload(payload)
	return syncerr.FromStatus(op, resp.StatusCode, code, message)
}

func (c *Client) resolve(endpoint string, query url.Values) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("endpoint is required")
	}
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		raw = c.baseURL + endpoint
	}
	if len(query) == 0 {
		return raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	for key, values := range query {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// retryDelay is the wait after attempt n (zero-based): baseDelay * 2^n.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (c *Client) retryAfterDeadline(header string) time.Time {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return c.now().Add(time.Duration(seconds) * time.Second)
	}
	if ts, err := http.ParseTime(header); err == nil {
		return ts
	}
	return time.Time{}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

//go:embed error_payload.schema.json
var errorPayloadSchemaJSON []byte

const errorPayloadSchemaURL = "https://deploystore.local/schemas/error_payload.schema.json"

var compileErrorPayloadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return document.CompileSchema(errorPayloadSchemaURL, errorPayloadSchemaJSON)
})

// parseErrorPayload extracts code and message from a platform error body.
// Bodies that do not match the error schema yield empty strings and the
// caller falls back to the HTTP status text.
func parseErrorPayload(payload []byte) (code, message string) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "", ""
	}
	sch, err := compileErrorPayloadSchema()
	if err != nil {
		return "", ""
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil || sch.Validate(inst) != nil {
		return "", ""
	}
	var parsed struct {
		Error *struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", ""
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return codeString(parsed.Error.Code), parsed.Error.Message
	}
	return codeString(parsed.Code), parsed.Message
}

func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

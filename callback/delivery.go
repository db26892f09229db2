package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/internal/retry"
)

const instrumentationName = "github.com/choijoonbin/aura-platform-sub000/callback"

// maxDrainBytes caps how much of a response body is read before closing.
const maxDrainBytes = 64 << 10

// DefaultSuccessCodes are the statuses that count as delivered.
var DefaultSuccessCodes = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted}

// Config controls delivery attempts.
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	RequestTimeout time.Duration
	SuccessCodes   []int
}

// DefaultConfig returns 3 attempts waiting 1s then 2s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
		RequestTimeout: 10 * time.Second,
		SuccessCodes:   DefaultSuccessCodes,
	}
}

// Delivery posts JSON payloads to caller-supplied URLs with bounded retries.
type Delivery struct {
	client    *http.Client
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	onAttempt func(outcome string)
}

// Option configures a Delivery.
type Option func(*Delivery)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Delivery) { d.client = c }
}

// WithAttemptHook observes each attempt; outcome is "success", "status" or "error".
func WithAttemptHook(fn func(outcome string)) Option {
	return func(d *Delivery) { d.onAttempt = fn }
}

// NewDelivery creates a Delivery.
func NewDelivery(config Config, logger *zap.Logger, opts ...Option) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if len(config.SuccessCodes) == 0 {
		config.SuccessCodes = def.SuccessCodes
	}
	d := &Delivery{
		client: &http.Client{Timeout: config.RequestTimeout},
		config: config,
		logger: logger.With(zap.String("component", "callback")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// errUnexpectedStatus marks a response outside the success codes.
var errUnexpectedStatus = errors.New("unexpected callback status")

// PostWithRetry POSTs payload as JSON to url. It tries up to MaxAttempts
// times, waiting BaseBackoff*2^(n-1) between attempts, and reports whether
// any attempt returned one of successCodes (DefaultSuccessCodes when empty).
// Exhaustion is logged with a redacted payload summary; no error escapes.
func (d *Delivery) PostWithRetry(ctx context.Context, url string, payload any, headers map[string]string, successCodes []int) bool {
	if len(successCodes) == 0 {
		successCodes = d.config.SuccessCodes
	}

	body, err := event.MarshalPayload(payload)
	if err != nil {
		d.logger.Error("callback payload not encodable", zap.String("url", url), zap.Error(err))
		return false
	}

	retryer := retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   d.config.MaxAttempts - 1,
		InitialDelay: d.config.BaseBackoff,
		MaxDelay:     d.config.BaseBackoff << uint(d.config.MaxAttempts),
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			d.logger.Warn("callback attempt failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}, d.logger)

	status, err := retry.DoWithResultTyped(retryer, ctx, func(attempt int) (int, error) {
		return d.post(ctx, url, body, headers, successCodes, attempt)
	})
	if err != nil {
		d.logger.Error("callback delivery failed",
			zap.String("url", url),
			zap.Int("attempts", d.config.MaxAttempts),
			zap.Any("payload", Summarize(body)),
			zap.Error(err))
		return false
	}

	d.logger.Info("callback delivered", zap.String("url", url), zap.Int("status", status))
	return true
}

func (d *Delivery) post(ctx context.Context, url string, body []byte, headers map[string]string, successCodes []int, attempt int) (int, error) {
	ctx, span := d.tracer.Start(ctx, "callback.post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("callback.url", url),
			attribute.Int("callback.attempt", attempt+1),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		d.observe("error")
		return 0, retry.Permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		d.observe("error")
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if !slices.Contains(successCodes, resp.StatusCode) {
		span.SetStatus(codes.Error, "unexpected status")
		d.observe("status")
		return resp.StatusCode, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	}
	d.observe("success")
	return resp.StatusCode, nil
}

func (d *Delivery) observe(outcome string) {
	if d.onAttempt != nil {
		d.onAttempt(outcome)
	}
}

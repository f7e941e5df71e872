package bus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// Client posts envelopes to the BUS events endpoint, one entity per call.
type Client struct {
	http     *http.Client
	endpoint string
}

func NewClient(cfg config.Bus, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{http: httpClient, endpoint: cfg.Endpoint}
}

// Response is a successful POST /events reply. The body is kept raw; a
// malformed JSON body is tolerated and reported through JSON=false.
type Response struct {
	StatusCode int
	Body       []byte
	JSON       bool
	Latency    time.Duration
}

// Send posts env with token as x-api-key. 200 and 201 succeed; 401 and 403
// are auth failures; every other status and any transport error is transient.
func (c *Client) Send(ctx context.Context, env Envelope, token string) (*Response, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	body, err := env.Body()
	if err != nil {
		return nil, &DeliveryError{Outcome: OutcomePermanent, Reason: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{Outcome: OutcomePermanent, Reason: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("x-api-key", token)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "bus.post_events", attribute.String("event_type", string(env.EventType())))
	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, &DeliveryError{Outcome: OutcomeTransient, Reason: classifyReason(err, 0), Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       raw,
			JSON:       gjson.ValidBytes(raw),
			Latency:    latency,
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Response{StatusCode: resp.StatusCode, Latency: latency}, &DeliveryError{
			Outcome:    OutcomeAuth,
			StatusCode: resp.StatusCode,
			Reason:     "auth",
			Body:       truncateBody(raw),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Latency: latency}, &DeliveryError{
		Outcome:    OutcomeTransient,
		StatusCode: resp.StatusCode,
		Reason:     classifyReason(nil, resp.StatusCode),
		Body:       truncateBody(raw),
	}
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		var netErr net.Error
		if errors.As(doErr, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		var dnsErr *net.DNSError
		if errors.As(doErr, &dnsErr) {
			return "dns_error"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") {
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}

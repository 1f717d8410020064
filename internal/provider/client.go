package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/store/model"
	"github.com/SDU-eScience/UCloud-sub028/pkg/metrics"
	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBodySize = 4096

// BulkRequest is the envelope of every provider call. Items are answered in the
// order they were sent.
type BulkRequest[T any] struct {
	Items []T `json:"items"`
}

type BulkResponse[T any] struct {
	Responses []T `json:"responses"`
}

type errorResponse struct {
	Why       string `json:"why"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type ClientOptions struct {
	Timeout           time.Duration
	RetryAttempts     uint
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client issues calls against a single provider.
type Client struct {
	provider model.Provider
	calls    *CallRegistry
	auth     *RefreshingAuthenticator
	http     *http.Client
	limiter  *rate.Limiter
	opts     ClientOptions
	log      *zap.SugaredLogger
}

func NewClient(provider model.Provider, calls *CallRegistry, authenticator *RefreshingAuthenticator, opts ClientOptions) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}

	return &Client{
		provider: provider,
		calls:    calls,
		auth:     authenticator,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		opts:     opts,
		log:      zap.S().Named("provider_client").With("provider", provider.ID),
	}
}

func (c *Client) Provider() model.Provider {
	return c.provider
}

// Invoke sends request to the provider and decodes the reply into response.
// Idempotent calls are retried on transient failures.
func (c *Client) Invoke(ctx context.Context, ns Namespace, verb Verb, request any, response any) error {
	spec, err := c.calls.Resolve(ns, verb)
	if err != nil {
		return err
	}
	call := Call{Namespace: ns, Verb: verb}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", call, err)
	}

	if !spec.Idempotent {
		return c.do(ctx, call, body, response)
	}

	return retry.Do(
		func() error {
			return c.do(ctx, call, body, response)
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.RetryAttempts),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debugw("retrying provider call", "call", call.String(), "attempt", n+1, "error", err)
		}),
	)
}

func (c *Client) do(ctx context.Context, call Call, body []byte, response any) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.IncreaseProviderCallsMetric(c.provider.ID, call.String(), outcome)
		metrics.ObserveProviderCallDuration(c.provider.ID, call.String(), time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		outcome = "canceled"
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.provider.BaseURL()+call.Path(), bytes.NewReader(body))
	if err != nil {
		outcome = "error"
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			outcome = "error"
			return fmt.Errorf("failed to authenticate towards provider %s: %w", c.provider.ID, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		outcome = "unreachable"
		return NewError(c.provider.ID, call.String(), 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		outcome = "failure"
		if resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
			c.auth.Invalidate()
		}
		return NewError(c.provider.ID, call.String(), resp.StatusCode, readWhy(resp.Body))
	}

	if response == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && !errors.Is(err, io.EOF) {
		outcome = "malformed"
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, call, err)
	}
	return nil
}

func readWhy(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Why != "" {
		return e.Why
	}
	return string(bytes.TrimSpace(raw))
}

func isTransient(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Transient()
	}
	return false
}

// CallBulk sends items as one batch and checks that the provider answered every item.
func CallBulk[Req any, Resp any](ctx context.Context, c *Client, ns Namespace, verb Verb, items []Req) ([]Resp, error) {
	var response BulkResponse[Resp]
	if err := c.Invoke(ctx, ns, verb, BulkRequest[Req]{Items: items}, &response); err != nil {
		return nil, err
	}
	if len(response.Responses) == 0 && len(items) > 0 {
		spec, err := c.calls.Resolve(ns, verb)
		if err != nil {
			return nil, err
		}
		if spec.RequiresAnswer {
			return nil, fmt.Errorf("%w: %s.%s answered without items", ErrBadResponse, ns, verb)
		}
		// Providers may acknowledge a batch with an empty body.
		return make([]Resp, len(items)), nil
	}
	if len(response.Responses) != len(items) {
		return nil, fmt.Errorf("%w: %s.%s answered %d of %d items", ErrBadResponse, ns, verb, len(response.Responses), len(items))
	}
	return response.Responses, nil
}

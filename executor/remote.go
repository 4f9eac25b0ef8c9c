package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/ratelimit"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/internal/httpclient"
	"github.com/varenq/legion/logger"
)

// Remote bridges to an out-of-process executor service over HTTP POST. It
// transports the opaque action contract and nothing else: no action
// semantics, no target-service parsing. Outbound requests are paced globally
// and target-directed actions additionally pass per-target admission.
type Remote struct {
	baseURL        string
	apiKey         string
	client         *httpclient.SaferClient
	pace           *rate.Limiter
	registry       *job.Registry
	limiter        *ratelimit.Limiter
	acquireTimeout time.Duration
	retryDelay     time.Duration
	log            *zap.SugaredLogger
}

// RemoteConfig configures the executor bridge.
type RemoteConfig struct {
	// Endpoint of the executor service, e.g. "https://executor.internal:8443".
	BaseURL string

	// Bearer token attached to every request. Empty sends no header.
	APIKey string

	// Per-request timeout (default: 30s).
	Timeout time.Duration

	// Outbound pacing across all accounts (default: 2 rps). Zero or
	// negative disables pacing.
	RequestsPerSecond float64

	// Permit private/LAN executor endpoints.
	AllowPrivateHosts bool

	// How long target admission may block. Zero waits as long as the
	// call's context allows.
	AcquireTimeout time.Duration
}

// maxResponseBytes bounds how much of an executor response is read. Results
// are small JSON documents; anything bigger is a misbehaving peer.
const maxResponseBytes = 1 << 20

// NewRemote creates the HTTP bridge. limiter may be nil to disable
// per-target admission (the remote service may enforce its own).
func NewRemote(cfg RemoteConfig, registry *job.Registry, limiter *ratelimit.Limiter, log *zap.SugaredLogger) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "remote executor needs a base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	blockPrivate := !cfg.AllowPrivateHosts
	client := httpclient.NewSaferClientWithOptions(cfg.Timeout, httpclient.SaferClientOptions{
		BlockPrivateIP: &blockPrivate,
	})
	if _, err := client.ValidateURL(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "remote executor base URL rejected")
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Remote{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		client:         client,
		pace:           pace,
		registry:       registry,
		limiter:        limiter,
		acquireTimeout: cfg.AcquireTimeout,
		retryDelay:     500 * time.Millisecond,
		log:            log.Named("remote"),
	}, nil
}

// SetRate retunes outbound pacing. Zero or negative disables it. Safe to
// call while requests are in flight.
func (r *Remote) SetRate(requestsPerSecond float64) {
	if requestsPerSecond <= 0 {
		r.pace.SetLimit(rate.Inf)
		return
	}
	r.pace.SetLimit(rate.Limit(requestsPerSecond))
}

// executeRequest is the wire form of one action invocation.
type executeRequest struct {
	AccountID  int64           `json:"account_id"`
	ActionType string          `json:"action_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Execute implements job.ActionExecutor. Transport-level failures are
// retried up to maxRetries times with a growing delay; a decoded result is
// returned as-is, success or not.
func (r *Remote) Execute(ctx context.Context, accountID int64, action job.ActionType, params json.RawMessage, maxRetries int) (*job.ExecResult, error) {
	spec, ok := r.registry.Get(action)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownAction, "%s", action)
	}

	if spec.TargetDirected {
		key := targetKey(params)
		if key == "" {
			return &job.ExecResult{Success: false, Error: "missing target_id parameter"}, nil
		}
		if r.limiter != nil {
			permit, err := r.limiter.Acquire(ctx, key, r.acquireTimeout)
			if err != nil {
				return nil, err
			}
			defer permit.Release()
		}
	}

	body, err := json.Marshal(executeRequest{
		AccountID:  accountID,
		ActionType: string(action),
		Parameters: params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode execute request")
	}

	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * r.retryDelay
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			r.log.Debugw("retrying action",
				logger.FieldAccountID, accountID,
				logger.FieldAction, string(action),
				"attempt", attempt+1)
		}
		if err := r.pace.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "request pacing interrupted")
		}

		res, retryable, err := r.post(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			return nil, errors.Wrapf(err, "account %d %s", accountID, action)
		}
	}
	return nil, errors.Wrapf(lastErr, "account %d %s: retries exhausted after %d attempts", accountID, action, maxRetries+1)
}

// post runs one request cycle. The second return reports whether the failure
// is worth retrying: network errors and executor-side trouble are, malformed
// requests are not.
func (r *Remote) post(ctx context.Context, body []byte) (*job.ExecResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, errors.Wrap(err, "executor request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read executor response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var res job.ExecResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, false, errors.Wrapf(err, "executor returned unparseable result (%d bytes)", len(data))
		}
		return &res, false, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, true, errors.Newf("executor returned status %d", resp.StatusCode)
	default:
		return nil, false, errors.Newf("executor rejected the request with status %d", resp.StatusCode)
	}
}

package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

const (
	maxHTTPResponseBody   = 1 << 20
	defaultHTTPTimeout    = 30 * time.Second
	defaultHTTPMaxRetries = 2
)

var allowedHTTPMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// HTTPRequestAction calls an allow-listed HTTP endpoint
type HTTPRequestAction struct {
	policy   OutboundPolicy
	client   *http.Client
	breakers *core.BreakerSet
	retry    RetryPolicy
	logger   *zap.SugaredLogger
}

// NewHTTPRequestAction creates the http_request action
func NewHTTPRequestAction(policy OutboundPolicy, breakers *core.BreakerSet, retry RetryPolicy, logger *zap.SugaredLogger) *HTTPRequestAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if breakers == nil {
		breakers, _ = core.NewBreakerSet(core.DefaultCircuitBreakerConfig())
	}
	retry.Logger = logger
	return &HTTPRequestAction{
		policy:   policy,
		client:   policy.NewClient(defaultHTTPTimeout),
		breakers: breakers,
		retry:    retry,
		logger:   logger,
	}
}

func (a *HTTPRequestAction) Name() string { return ActionHTTPRequest }
func (a *HTTPRequestAction) Description() string {
	return "Calls an allow-listed HTTP endpoint"
}

func (a *HTTPRequestAction) ValidateParams(params map[string]interface{}) error {
	if _, err := a.policy.ValidateURL(stringParam(params, "url")); err != nil {
		return err
	}
	if m := strings.ToUpper(stringParam(params, "method")); m != "" && !allowedHTTPMethods[m] {
		return fmt.Errorf("unsupported method: %s", m)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	target, err := a.policy.ValidateURL(stringParam(params, "url"))
	if err != nil {
		return failed("%v", err), nil
	}
	method := strings.ToUpper(stringParam(params, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedHTTPMethods[method] {
		return failed("unsupported method: %s", method), nil
	}

	var body []byte
	if b, ok := params["body"]; ok && b != nil {
		if s, isString := b.(string); isString {
			body = []byte(s)
		} else if body, err = json.Marshal(b); err != nil {
			return failed("cannot encode body: %v", err), nil
		}
	}
	headers := map[string]string{}
	if h, ok := params["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			headers[k] = execCtx.Substitute(Stringify(v))
		}
	}

	breaker := a.breakers.Get(target.Host)
	var status int
	var respBody []byte

	err = Retry(ctx, a.retry, func(ctx context.Context) error {
		return breaker.Call(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
			if err != nil {
				return err
			}
			if len(body) > 0 {
				req.Header.Set("Content-Type", "application/json")
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			resp, err := a.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody))
			if err != nil {
				return err
			}
			if status >= 500 || status == http.StatusTooManyRequests {
				return &HTTPStatusError{Code: status, Status: http.StatusText(status)}
			}
			return nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warnw("HTTP request action failed",
			"host", target.Host,
			"method", method,
			"error", err)
		return failed("%s %s failed: %v", method, target.Host, err), nil
	}

	output := map[string]interface{}{
		"status_code": status,
		"url":         target.String(),
	}
	var decoded interface{}
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
		output["response"] = decoded
	} else {
		output["response"] = string(respBody)
	}
	if status >= 400 {
		return &ActionResult{
			Success: false,
			Error:   fmt.Sprintf("%s %s returned status %d", method, target.Host, status),
			Output:  output,
		}, nil
	}
	return succeeded(output, nil), nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/config"
)

const maxBodyBytes = 4 << 20

// TokenSource 为每次请求提供访问令牌。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator 由支持作废令牌的令牌源实现，收到 401 时使用。
type invalidator interface {
	Invalidate(accessToken string)
}

// RetryPolicy 描述有界重试：第 n 次重试前等待 BaseDelay*2^n，叠加抖动并受 MaxDelay 约束。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// PolicyFromConfig 由配置构造重试策略。
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}
}

// Delay 返回第 retry 次重试（从 0 开始）前的等待时间，r 取值 [0,1)。
func (p RetryPolicy) Delay(retry int, r float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := float64(base) * math.Pow(2, float64(retry))
	if p.Jitter > 0 {
		d += d * p.Jitter * r
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Response 为成功的远端响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode 将响应体解码到 v，空响应体不做处理。
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("transport: 解析响应失败: %w", err)
	}
	return nil
}

type request struct {
	header http.Header
	query  url.Values
}

// RequestOption 调整单次请求。
type RequestOption func(*request)

// WithHeader 为请求附加头部。
func WithHeader(key, value string) RequestOption {
	return func(r *request) {
		r.header.Set(key, value)
	}
}

// WithQuery 为请求附加查询参数。
func WithQuery(values url.Values) RequestOption {
	return func(r *request) {
		for k, vs := range values {
			for _, v := range vs {
				r.query.Add(k, v)
			}
		}
	}
}

// Client 是带节流、令牌注入与重试的远端 API 客户端。
// 节流器在所有调用方之间共享。
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	policy  RetryPolicy
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewClient 按 API 配置构造客户端。
func NewClient(cfg config.APIConfig, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, 1),
		policy:  PolicyFromConfig(cfg.Retry),
		logger:  logger,
		sleep:   sleepContext,
		rand:    rand.Float64,
	}
}

// Send 发送一次请求。429、5xx 与网络错误按策略重试，其余 4xx 立即失败。
// 认证失败原样返回，调用方应中止运行。
func (c *Client) Send(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	req := &request{header: http.Header{}, query: url.Values{}}
	for _, opt := range opts {
		opt(req)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	renewed := false
	retry := 0
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, cErr := c.do(ctx, method, path, payload, token, req)
		latency := time.Since(start)

		var status int
		if resp != nil {
			status = resp.Status
		} else {
			status = cErr.err.Status
		}
		c.logger.Info("远端调用",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.Int("attempt", attempt),
		)

		if cErr == nil {
			return resp, nil
		}
		tErr := cErr.err
		tErr.Attempts = attempt

		if errors.Is(tErr.Err, context.Canceled) || errors.Is(tErr.Err, context.DeadlineExceeded) {
			return nil, tErr.Err
		}

		if tErr.Status == http.StatusUnauthorized {
			if inv, ok := c.tokens.(invalidator); ok && !renewed {
				renewed = true
				inv.Invalidate(token)
				c.logger.Warn("访问令牌被拒绝，续期后重试", zap.String("path", path))
				continue
			}
			// 续期后仍被拒绝，凭据不可用
			c.logger.Error("访问令牌持续被拒绝", zap.String("method", method), zap.String("path", path))
			return nil, &auth.Error{Op: "访问远端", Err: tErr}
		}

		if !tErr.Kind.Retryable() || retry >= c.policy.MaxRetries {
			if tErr.Kind.Retryable() {
				c.logger.Error("远端调用重试耗尽",
					zap.String("method", method),
					zap.String("path", path),
					zap.Int("attempts", attempt),
					zap.Error(tErr),
				)
			}
			return nil, tErr
		}

		wait := c.policy.Delay(retry, c.rand())
		if ra := retryAfter(cErr.header); ra > wait {
			wait = ra
			if c.policy.MaxDelay > 0 && wait > c.policy.MaxDelay {
				wait = c.policy.MaxDelay
			}
		}
		retry++

		c.logger.Warn("远端调用失败，等待重试",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("kind", string(tErr.Kind)),
			zap.Int("retry", retry),
			zap.Duration("wait", wait),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// callError 在 Error 之外携带响应头，用于读取 Retry-After。
type callError struct {
	err    *Error
	header http.Header
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, token string, req *request) (*Response, *callError) {
	target := c.baseURL + path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &callError{err: &Error{Kind: ClientError, Method: method, Path: path, Err: err}}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &callError{err: &Error{Kind: NetworkError, Method: method, Path: path, Err: err}}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &callError{err: &Error{Kind: NetworkError, Method: method, Path: path, Status: resp.StatusCode, Err: err}}
	}

	kind := classifyStatus(resp.StatusCode)
	if kind == "" {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
	}
	return nil, &callError{
		err: &Error{
			Kind:   kind,
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   errorMessage(raw),
		},
		header: resp.Header,
	}
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("transport: 序列化请求体失败: %w", err)
		}
		return raw, nil
	}
}

// errorMessage 优先提取问题详情中的 title 或 detail。
func errorMessage(raw []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &problem); err == nil {
		switch {
		case problem.Title != "" && problem.Detail != "":
			return problem.Title + ": " + problem.Detail
		case problem.Title != "":
			return problem.Title
		case problem.Detail != "":
			return problem.Detail
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

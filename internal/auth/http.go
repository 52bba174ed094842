package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	loginPath   = "/api/v1/users/login"
	refreshPath = "/api/v1/users/refresh_token"
)

// HTTPAuthenticator 通过远端用户接口登录与刷新令牌。
type HTTPAuthenticator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthenticator 创建基于 HTTP 的认证器。
func NewHTTPAuthenticator(baseURL string, timeout time.Duration) *HTTPAuthenticator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAuthenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Login 使用邮箱与密码换取令牌对。
func (a *HTTPAuthenticator) Login(ctx context.Context, email, password string) (Token, error) {
	return a.post(ctx, loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
}

// Refresh 使用刷新令牌换取新的访问令牌。
func (a *HTTPAuthenticator) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	return a.post(ctx, refreshPath, map[string]string{
		"refreshToken": refreshToken,
	})
}

func (a *HTTPAuthenticator) post(ctx context.Context, path string, body any) (Token, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Token{}, fmt.Errorf("auth: 序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("auth: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("auth: 请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("auth: 读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Token{}, fmt.Errorf("auth: %s 返回状态 %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("auth: 解析令牌响应失败: %w", err)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("auth: %s 响应缺少 accessToken", path)
	}
	return tok, nil
}

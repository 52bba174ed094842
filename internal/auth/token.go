package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Token 为访问令牌与刷新令牌对。
type Token struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// AccessValid 判断访问令牌在 now+margin 时刻是否仍然有效。
func (t Token) AccessValid(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" || t.AccessTokenExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(t.AccessTokenExpiresAt)
}

// CanRefresh 判断刷新令牌是否可用；未知过期时间视为可用，由服务端裁决。
func (t Token) CanRefresh(now time.Time) bool {
	if t.RefreshToken == "" {
		return false
	}
	return t.RefreshTokenExpiresAt.IsZero() || now.Before(t.RefreshTokenExpiresAt)
}

// tokenJSON 与 token.json 及登录接口响应的字段一致。
type tokenJSON struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	AccessTokenExpiresAt  string `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt,omitempty"`
}

// MarshalJSON 以 ISO-8601 输出过期时间。
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenJSON{
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		AccessTokenExpiresAt:  formatTime(t.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: formatTime(t.RefreshTokenExpiresAt),
	})
}

// UnmarshalJSON 兼容空字符串与高精度小数秒。
func (t *Token) UnmarshalJSON(data []byte) error {
	var raw tokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	accessExp, err := parseTime(raw.AccessTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("auth: 解析 accessTokenExpiresAt 失败: %w", err)
	}
	refreshExp, err := parseTime(raw.RefreshTokenExpiresAt)
	if err != nil {
		return fmt.Errorf("auth: 解析 refreshTokenExpiresAt 失败: %w", err)
	}

	*t = Token{
		AccessToken:           raw.AccessToken,
		RefreshToken:          raw.RefreshToken,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}
	return nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// parseTime 接受 RFC3339，小数秒位数不限，例如 2026-01-22T20:30:13.6607010+00:00。
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// TokenFile 负责令牌的文件持久化，文件由凭据管理器独占。
type TokenFile struct {
	Path string
}

// Load 读取令牌文件，文件不存在时返回 ok=false。
func (f TokenFile) Load() (Token, bool, error) {
	if f.Path == "" {
		return Token{}, false, nil
	}
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("auth: 读取令牌文件失败: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, fmt.Errorf("auth: 解析令牌文件 %q 失败: %w", f.Path, err)
	}
	return tok, tok.AccessToken != "" || tok.RefreshToken != "", nil
}

// Save 原子写入令牌文件。
func (f TokenFile) Save(tok Token) error {
	if f.Path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: 序列化令牌失败: %w", err)
	}

	if dir := filepath.Dir(f.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("auth: 创建令牌目录失败: %w", err)
		}
	}

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("auth: 写入令牌文件失败: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("auth: 替换令牌文件失败: %w", err)
	}
	return nil
}

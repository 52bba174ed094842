package auth

import (
	"errors"
	"fmt"
)

// ErrNoCredentials 表示既没有可用的缓存令牌也没有配置登录凭据。
var ErrNoCredentials = errors.New("auth: 未配置凭据且没有缓存令牌")

// Error 为不可恢复的认证失败，调用方不应重试，整个运行随之中止。
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s 失败: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuthError 判断错误链中是否包含认证失败。
func IsAuthError(err error) bool {
	var authErr *Error
	return errors.As(err, &authErr)
}

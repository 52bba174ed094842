package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 对传输失败分类。
type ErrorKind string

const (
	RateLimited  ErrorKind = "RateLimited"
	ServerError  ErrorKind = "ServerError"
	ClientError  ErrorKind = "ClientError"
	NetworkError ErrorKind = "NetworkError"
)

// Retryable 判断该类失败是否属于暂时性错误。
func (k ErrorKind) Retryable() bool {
	return k == RateLimited || k == ServerError || k == NetworkError
}

// Error 为远端调用失败，ClientError 携带响应体便于诊断。
type Error struct {
	Kind     ErrorKind
	Method   string
	Path     string
	Status   int
	Body     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transport: %s %s %s (尝试 %d 次): %v", e.Method, e.Path, e.Kind, e.Attempts, e.Err)
	case e.Body != "":
		return fmt.Sprintf("transport: %s %s %s 状态 %d: %s", e.Method, e.Path, e.Kind, e.Status, e.Body)
	default:
		return fmt.Sprintf("transport: %s %s %s 状态 %d", e.Method, e.Path, e.Kind, e.Status)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus 将 HTTP 状态码映射为失败分类，成功状态返回空串。
func classifyStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 500:
		return ServerError
	default:
		return ClientError
	}
}

// KindOf 返回错误链中的传输失败分类。
func KindOf(err error) (ErrorKind, bool) {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind, true
	}
	return "", false
}

// IsNotFound 判断错误是否为远端 404。
func IsNotFound(err error) bool {
	var tErr *Error
	return errors.As(err, &tErr) && tErr.Status == http.StatusNotFound
}

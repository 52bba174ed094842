package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/transport"
)

// UnresolvedDependencyError 表示引用的上游实体在本次运行中没有远端标识，
// 通常是上游步骤失败或计划顺序有误。只影响当前步骤。
type UnresolvedDependencyError struct {
	Step       entity.Key
	Field      string
	Dependency entity.Key
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("apply: %s 的引用 %q 无法解析，依赖 %s 尚无远端标识", e.Step, e.Field, e.Dependency)
}

// VerificationError 表示实体已写入但回读确认失败，需要人工跟进，不自动重试。
type VerificationError struct {
	Kind       entity.Kind
	RemoteID   string
	Missing    bool
	Mismatches []string
	Err        error
}

func (e *VerificationError) Error() string {
	switch {
	case e.Missing:
		return fmt.Sprintf("apply: 回读 %s/%s 失败，实体不存在: %v", e.Kind, e.RemoteID, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("apply: 回读 %s/%s 失败: %v", e.Kind, e.RemoteID, e.Err)
	default:
		return fmt.Sprintf("apply: %s/%s 字段不一致: %s", e.Kind, e.RemoteID, strings.Join(e.Mismatches, "; "))
	}
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// errorKind 为台账中记录的失败分类。
func errorKind(err error) string {
	var (
		unresolved *UnresolvedDependencyError
		verify     *VerificationError
	)
	switch {
	case auth.IsAuthError(err):
		return "AuthError"
	case errors.As(err, &unresolved):
		return "UnresolvedDependencyError"
	case errors.As(err, &verify):
		return "VerificationError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	}
	if kind, ok := transport.KindOf(err); ok {
		return string(kind)
	}
	return "Error"
}

package plan

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"volt-migrate/internal/entity"
)

// ViolationCode 为校验问题的分类。
type ViolationCode string

const (
	CodeInvalidKind       ViolationCode = "InvalidKind"
	CodeEmptySourceKey    ViolationCode = "EmptySourceKey"
	CodeDuplicateKey      ViolationCode = "DuplicateKey"
	CodeDanglingReference ViolationCode = "DanglingReference"
	CodeOrderViolation    ViolationCode = "OrderViolation"
	CodeReferenceKind     ViolationCode = "ReferenceKindMismatch"
	CodeMissingField      ViolationCode = "MissingField"
	CodeInvalidField      ViolationCode = "InvalidField"
	CodeMergeConflict     ViolationCode = "MergeConflict"
	CodePlanStructure     ViolationCode = "PlanStructure"
	CodeStalePlan         ViolationCode = "StalePlan"
)

// Violation 为一条具体的校验问题。
type Violation struct {
	Code    ViolationCode `json:"code"`
	Key     entity.Key    `json:"key"`
	Field   string        `json:"field,omitempty"`
	Message string        `json:"message"`
}

func (v Violation) Error() string {
	if v.Key.Kind == "" && v.Key.SourceKey == "" {
		return fmt.Sprintf("[%s] %s", v.Code, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Code, v.Key, v.Message)
}

// ValidationError 汇总全部校验问题，计划在修复前不可使用。
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	errs := make([]error, 0, len(e.Violations))
	for _, v := range e.Violations {
		errs = append(errs, v)
	}
	return fmt.Sprintf("plan: 校验失败，共 %d 项问题: %v", len(e.Violations), multierr.Combine(errs...))
}

// Has 判断是否包含指定分类的问题。
func (e *ValidationError) Has(code ViolationCode) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// AsValidationError 从错误链中提取校验错误。
func AsValidationError(err error) (*ValidationError, bool) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}

// sortViolations 按类型依赖顺序、源键与分类排序，使报告稳定。
func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		ri, rj := vs[i].Key.Kind.Rank(), vs[j].Key.Kind.Rank()
		if ri != rj {
			return ri < rj
		}
		if vs[i].Key.SourceKey != vs[j].Key.SourceKey {
			return vs[i].Key.SourceKey < vs[j].Key.SourceKey
		}
		return vs[i].Code < vs[j].Code
	})
}

package plan

import (
	"fmt"

	"volt-migrate/internal/entity"
)

// Validate 检查计划文件的结构完整性：版本、计数、步骤顺序、外部标识、
// 必填字段，以及未解析引用是否都指向更早的步骤。
func Validate(p *Plan, specs map[entity.Kind]KindSpec) error {
	if specs == nil {
		specs = DefaultSpecs
	}
	var violations []Violation
	structural := func(key entity.Key, format string, args ...any) {
		violations = append(violations, Violation{Code: CodePlanStructure, Key: key, Message: fmt.Sprintf(format, args...)})
	}

	if p.Version != FormatVersion {
		structural(entity.Key{}, "不支持的计划版本 %d", p.Version)
	}
	if p.Counts.Total != len(p.Steps) {
		structural(entity.Key{}, "计数 %d 与步骤数 %d 不一致", p.Counts.Total, len(p.Steps))
	}

	scheme := entity.IdentityScheme{Prefix: p.Prefix}
	position := make(map[entity.Key]int, len(p.Steps))
	lastRank := -1

	for i, step := range p.Steps {
		key := step.Key()
		if step.Order != i+1 {
			structural(key, "步骤序号为 %d，应为 %d", step.Order, i+1)
		}
		if !step.Kind.Valid() {
			structural(key, "未知类型 %q", step.Kind)
			continue
		}
		if rank := step.Kind.Rank(); rank < lastRank {
			structural(key, "类型 %s 出现在更靠后的类型之后", step.Kind)
		} else {
			lastRank = rank
		}
		if _, dup := position[key]; dup {
			violations = append(violations, Violation{Code: CodeDuplicateKey, Key: key, Message: "计划中重复出现"})
		}
		if want := scheme.Identity(step.Kind, step.SourceKey); step.ExternalID != want {
			structural(key, "外部标识 %q 与推导值 %q 不一致", step.ExternalID, want)
		}

		if spec, ok := specs[step.Kind]; ok {
			for _, f := range spec.Fields {
				if _, present := step.Payload[f.Target]; f.Required && !present {
					violations = append(violations, Violation{
						Code:    CodeMissingField,
						Key:     key,
						Field:   f.Target,
						Message: fmt.Sprintf("载荷缺少必填字段 %q", f.Target),
					})
				}
			}
		}

		for _, ref := range step.UnresolvedReferences {
			if _, ok := position[ref.Key()]; !ok {
				violations = append(violations, Violation{
					Code:    CodeDanglingReference,
					Key:     key,
					Field:   ref.Field,
					Message: fmt.Sprintf("未解析引用 %s 不指向任何更早的步骤", ref.Key()),
				})
			}
		}
		position[key] = i
	}

	if len(violations) > 0 {
		sortViolations(violations)
		return &ValidationError{Violations: violations}
	}
	return nil
}

// CheckStale 用当前输入重新计算哈希，与计划记录的值比较。
func CheckStale(p *Plan, batches ...[]entity.Record) error {
	merged, _ := Merge(p.MergePolicy, batches...)
	hash, err := InputHash(merged, p.Prefix, p.Limit, p.MergePolicy)
	if err != nil {
		return err
	}
	if hash != p.InputHash {
		return &ValidationError{Violations: []Violation{{
			Code:    CodeStalePlan,
			Message: fmt.Sprintf("输入已变化，计划哈希 %s 与当前输入 %s 不一致，请重新生成计划", short(p.InputHash), short(hash)),
		}}}
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

package plan

import (
	"fmt"
	"sort"
	"strings"

	"volt-migrate/internal/entity"
)

// MergePolicy 决定不同输入文件中同一实体的字段冲突如何处理。
type MergePolicy string

const (
	// MergeLaterWins 后读入文件的字段覆盖先前的值。
	MergeLaterWins MergePolicy = "later_wins"
	// MergeEarlierWins 保留先读入的值，后续文件只补充缺失字段。
	MergeEarlierWins MergePolicy = "earlier_wins"
	// MergeReject 任何取值冲突都视为校验问题。
	MergeReject MergePolicy = "reject"
)

// ParseMergePolicy 解析合并策略，空串取默认值 later_wins。
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch p := MergePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MergeLaterWins, nil
	case MergeLaterWins, MergeEarlierWins, MergeReject:
		return p, nil
	default:
		return "", fmt.Errorf("plan: 未知合并策略 %q", s)
	}
}

// Merge 将多个批次按顺序合并，键先经过规范化。跨批次的同键记录按策略逐字段合并并保留首次出现的位置；
// 同一批次内的重复键原样保留，由计划构建阶段报告。
func Merge(policy MergePolicy, batches ...[]entity.Record) ([]entity.Record, []Violation) {
	var (
		out        []entity.Record
		violations []Violation
		firstIndex = make(map[entity.Key]int)
		firstBatch = make(map[entity.Key]int)
	)

	for b, batch := range batches {
		for _, raw := range batch {
			rec := normalizeRecord(raw)
			key := rec.Key()
			idx, seen := firstIndex[key]
			if !seen || firstBatch[key] == b {
				if !seen {
					firstIndex[key] = len(out)
					firstBatch[key] = b
				}
				out = append(out, rec)
				continue
			}

			merged, conflicts := mergeRecord(policy, out[idx], rec)
			out[idx] = merged
			violations = append(violations, conflicts...)
		}
	}
	return out, violations
}

func mergeRecord(policy MergePolicy, base, next entity.Record) (entity.Record, []Violation) {
	var violations []Violation

	fields := make([]string, 0, len(next.Fields))
	for f := range next.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		nv := next.Fields[f]
		ov, exists := base.Fields[f]
		switch {
		case !exists:
			base.Fields[f] = nv
		case EqualValues(ov, nv):
		case policy == MergeLaterWins:
			base.Fields[f] = nv
		case policy == MergeReject:
			violations = append(violations, Violation{
				Code:    CodeMergeConflict,
				Key:     base.Key(),
				Field:   f,
				Message: fmt.Sprintf("字段 %q 在 %s 中为 %v，在 %s 中为 %v", f, originOf(base), ov, originOf(next), nv),
			})
		}
	}

	for _, f := range next.ReferenceFields() {
		nr := next.References[f]
		or, exists := base.References[f]
		switch {
		case !exists:
			base.References[f] = nr
		case or == nr:
		case policy == MergeLaterWins:
			base.References[f] = nr
		case policy == MergeReject:
			violations = append(violations, Violation{
				Code:    CodeMergeConflict,
				Key:     base.Key(),
				Field:   f,
				Message: fmt.Sprintf("引用 %q 在 %s 中指向 %s，在 %s 中指向 %s", f, originOf(base), or, originOf(next), nr),
			})
		}
	}

	if policy == MergeLaterWins && next.Origin != "" {
		base.Origin = next.Origin
	}
	return base, violations
}

// normalizeRecord 复制记录并去除源键与引用键两端的空白，之后的合并、校验与哈希都基于规范化后的键。
func normalizeRecord(rec entity.Record) entity.Record {
	out := rec
	out.SourceKey = strings.TrimSpace(rec.SourceKey)
	out.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	out.References = make(map[string]entity.Ref, len(rec.References))
	for k, v := range rec.References {
		v.SourceKey = strings.TrimSpace(v.SourceKey)
		out.References[k] = v
	}
	return out
}

func originOf(rec entity.Record) string {
	if rec.Origin == "" {
		return "<输入>"
	}
	return rec.Origin
}

package plan

import (
	"fmt"

	"go.uber.org/zap"

	"volt-migrate/internal/entity"
)

// MappingReader 为计划构建所需的只读映射视图。
type MappingReader interface {
	Get(kind entity.Kind, sourceKey string) (entity.MappingEntry, bool)
}

// DiscoveryIndex 按自然键查找远端已存在的实体。
type DiscoveryIndex interface {
	Lookup(kind entity.Kind, naturalKey string) (remoteID string, ok bool)
}

// Options 控制计划生成。
type Options struct {
	Prefix      string
	Limit       int
	MergePolicy MergePolicy
	Specs       map[entity.Kind]KindSpec
}

// Planner 将归一化记录转换为按依赖排序、标识确定的执行计划。
type Planner struct {
	repo      MappingReader
	opts      Options
	scheme    entity.IdentityScheme
	discovery DiscoveryIndex
	logger    *zap.Logger
}

// NewPlanner 创建计划生成器。
func NewPlanner(repo MappingReader, opts Options, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Specs == nil {
		opts.Specs = DefaultSpecs
	}
	if opts.MergePolicy == "" {
		opts.MergePolicy = MergeLaterWins
	}
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	return &Planner{
		repo:   repo,
		opts:   opts,
		scheme: entity.IdentityScheme{Prefix: opts.Prefix},
		logger: logger,
	}
}

// WithDiscovery 启用远端发现索引，未映射但远端已存在的实体生成接管步骤。
func (p *Planner) WithDiscovery(index DiscoveryIndex) *Planner {
	p.discovery = index
	return p
}

// Build 由单批记录生成计划。
func (p *Planner) Build(records []entity.Record) (*Plan, error) {
	return p.BuildBatches(records)
}

// BuildBatches 按合并策略合并多批记录后生成计划；发现的全部问题一次性返回。
func (p *Planner) BuildBatches(batches ...[]entity.Record) (*Plan, error) {
	merged, violations := Merge(p.opts.MergePolicy, batches...)

	candidates, more := p.validate(merged)
	violations = append(violations, more...)
	if len(violations) > 0 {
		sortViolations(violations)
		p.logger.Warn("计划校验失败", zap.Int("violations", len(violations)))
		return nil, &ValidationError{Violations: violations}
	}

	hash, err := InputHash(merged, p.opts.Prefix, p.opts.Limit, p.opts.MergePolicy)
	if err != nil {
		return nil, err
	}

	plan := p.assemble(candidates)
	plan.InputHash = hash

	p.logger.Info("计划生成完成",
		zap.Int("steps", plan.Counts.Total),
		zap.Int("resolved_references", plan.Counts.ResolvedReferences),
		zap.Int("unresolved_references", plan.Counts.UnresolvedReferences),
		zap.String("input_hash", hash),
	)
	return plan, nil
}

// sourcePosition 记录首次出现的位置，用于重复键报告。
type sourcePosition struct {
	index  int
	origin string
}

type candidate struct {
	record  entity.Record
	spec    KindSpec
	payload map[string]any
}

// validate 检查类型、源键唯一性、引用与字段转换，返回按类型分组、保持源顺序的候选记录。
func (p *Planner) validate(records []entity.Record) (map[entity.Kind][]candidate, []Violation) {
	var violations []Violation

	seen := make(map[entity.Key]sourcePosition)
	valid := make([]entity.Record, 0, len(records))

	for i, rec := range records {
		switch {
		case !rec.Kind.Valid():
			violations = append(violations, Violation{
				Code:    CodeInvalidKind,
				Key:     rec.Key(),
				Message: fmt.Sprintf("第 %d 条记录的类型 %q 不受支持", i+1, rec.Kind),
			})
			continue
		case rec.SourceKey == "":
			violations = append(violations, Violation{
				Code:    CodeEmptySourceKey,
				Key:     rec.Key(),
				Message: fmt.Sprintf("第 %d 条记录（%s）缺少 sourceKey", i+1, originOf(rec)),
			})
			continue
		}

		if first, dup := seen[rec.Key()]; dup {
			violations = append(violations, Violation{
				Code: CodeDuplicateKey,
				Key:  rec.Key(),
				Message: fmt.Sprintf("sourceKey 重复: 第 %d 条（%s）与第 %d 条（%s）",
					first.index+1, first.origin, i+1, originOf(rec)),
			})
			continue
		}
		seen[rec.Key()] = sourcePosition{index: i, origin: originOf(rec)}
		valid = append(valid, rec)
	}

	groups := make(map[entity.Kind][]candidate)
	for _, rec := range valid {
		spec, ok := p.opts.Specs[rec.Kind]
		if !ok {
			spec = KindSpec{Kind: rec.Kind}
		}

		for _, field := range rec.ReferenceFields() {
			ref := rec.References[field]
			violations = append(violations, p.checkReference(rec, spec, field, ref, seen)...)
		}

		payload, vs := shape(spec, rec, p.opts.Prefix)
		violations = append(violations, vs...)

		groups[rec.Kind] = append(groups[rec.Kind], candidate{record: rec, spec: spec, payload: payload})
	}
	return groups, violations
}

func (p *Planner) checkReference(rec entity.Record, spec KindSpec, field string, ref entity.Ref, inInput map[entity.Key]sourcePosition) []Violation {
	var violations []Violation

	if !ref.Kind.Valid() || ref.SourceKey == "" {
		return []Violation{{
			Code:    CodeDanglingReference,
			Key:     rec.Key(),
			Field:   field,
			Message: fmt.Sprintf("引用 %q 指向无效目标 %s", field, ref),
		}}
	}

	if ref.Kind.Rank() >= rec.Kind.Rank() {
		violations = append(violations, Violation{
			Code:    CodeOrderViolation,
			Key:     rec.Key(),
			Field:   field,
			Message: fmt.Sprintf("引用 %q 指向 %s，其类型不早于 %s", field, ref, rec.Kind),
		})
	}

	if declared, ok := spec.Reference(field); ok && declared.Target != ref.Kind {
		violations = append(violations, Violation{
			Code:    CodeReferenceKind,
			Key:     rec.Key(),
			Field:   field,
			Message: fmt.Sprintf("引用 %q 应指向 %s，实际为 %s", field, declared.Target, ref.Kind),
		})
	}

	if _, ok := inInput[ref.Key()]; !ok && !p.verified(ref.Key()) {
		violations = append(violations, Violation{
			Code:    CodeDanglingReference,
			Key:     rec.Key(),
			Field:   field,
			Message: fmt.Sprintf("引用 %q 指向的 %s 既不在输入中也没有已确认的映射", field, ref),
		})
	}
	return violations
}

func (p *Planner) verified(key entity.Key) bool {
	if p.repo == nil {
		return false
	}
	e, ok := p.repo.Get(key.Kind, key.SourceKey)
	return ok && e.Verified()
}

func (p *Planner) remoteID(key entity.Key) (string, bool) {
	if p.repo == nil {
		return "", false
	}
	e, ok := p.repo.Get(key.Kind, key.SourceKey)
	if !ok || !e.Verified() {
		return "", false
	}
	return e.RemoteID, true
}

// assemble 截取每类前 N 条、剔除依赖被截掉的记录，并按规范顺序生成步骤。
func (p *Planner) assemble(groups map[entity.Kind][]candidate) *Plan {
	plan := &Plan{
		Version:     FormatVersion,
		Prefix:      p.opts.Prefix,
		Limit:       p.opts.Limit,
		MergePolicy: p.opts.MergePolicy,
		Counts:      Counts{Kinds: make(map[entity.Kind]KindCounts)},
		Steps:       make([]Step, 0),
	}

	included := make(map[entity.Key]bool)
	for _, kind := range entity.Kinds {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		kc := KindCounts{}

		for i, c := range group {
			if p.opts.Limit > 0 && i >= p.opts.Limit {
				kc.Excluded++
				continue
			}
			if dep, ok := p.missingDependency(c.record, included); ok {
				p.logger.Debug("依赖未进入计划，剔除记录",
					zap.String("key", c.record.Key().String()),
					zap.String("dependency", dep.String()),
				)
				kc.Excluded++
				continue
			}
			included[c.record.Key()] = true

			step := p.step(len(plan.Steps)+1, c, &plan.Counts)
			if step.AlreadyVerified {
				kc.AlreadyVerified++
			}
			if step.AdoptRemoteID != "" {
				kc.Adopt++
			}
			kc.Steps++
			plan.Steps = append(plan.Steps, step)
		}
		plan.Counts.Kinds[kind] = kc
	}
	plan.Counts.Total = len(plan.Steps)
	return plan
}

func (p *Planner) missingDependency(rec entity.Record, included map[entity.Key]bool) (entity.Ref, bool) {
	for _, field := range rec.ReferenceFields() {
		ref := rec.References[field]
		if included[ref.Key()] || p.verified(ref.Key()) {
			continue
		}
		return ref, true
	}
	return entity.Ref{}, false
}

func (p *Planner) step(order int, c candidate, counts *Counts) Step {
	rec := c.record
	payload := make(map[string]any, len(c.payload)+len(rec.References))
	for k, v := range c.payload {
		payload[k] = v
	}

	unresolved := make([]UnresolvedRef, 0)
	for _, field := range rec.ReferenceFields() {
		ref := rec.References[field]
		if id, ok := p.remoteID(ref.Key()); ok {
			payload[field] = id
			counts.ResolvedReferences++
			continue
		}
		unresolved = append(unresolved, UnresolvedRef{Field: field, Kind: ref.Kind, SourceKey: ref.SourceKey})
		counts.UnresolvedReferences++
	}

	var verify map[string]any
	for _, f := range c.spec.VerifyFields {
		if v, ok := payload[f]; ok {
			if verify == nil {
				verify = make(map[string]any, len(c.spec.VerifyFields))
			}
			verify[f] = v
		}
	}

	step := Step{
		Order:                order,
		Kind:                 rec.Kind,
		SourceKey:            rec.SourceKey,
		ExternalID:           p.scheme.Identity(rec.Kind, rec.SourceKey),
		Payload:              payload,
		UnresolvedReferences: unresolved,
		Verify:               verify,
	}

	var entry entity.MappingEntry
	var mapped bool
	if p.repo != nil {
		entry, mapped = p.repo.Get(rec.Kind, rec.SourceKey)
	}
	switch {
	case mapped && entry.Verified():
		step.AlreadyVerified = true
	case p.discovery != nil && (!mapped || entry.RemoteID == ""):
		if natural, err := toString(payload[c.spec.MatchField]); err == nil && natural != "" {
			if id, ok := p.discovery.Lookup(rec.Kind, natural); ok {
				step.AdoptRemoteID = id
			}
		}
	}
	return step
}

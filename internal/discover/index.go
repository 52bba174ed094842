package discover

import (
	"volt-migrate/internal/entity"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/transport"
)

// Index 按自然键索引远端实体，供计划生成接管已有实体。
type Index struct {
	specs map[entity.Kind]plan.KindSpec
	keys  map[entity.Kind]map[string]string
}

// NewIndex 由发现快照建立索引。自然键重复时保留第一个。
func NewIndex(snap *Snapshot, specs map[entity.Kind]plan.KindSpec) *Index {
	if specs == nil {
		specs = plan.DefaultSpecs
	}
	idx := &Index{specs: specs, keys: make(map[entity.Kind]map[string]string)}
	if snap == nil {
		return idx
	}
	for kind, items := range snap.Objects {
		spec, ok := specs[kind]
		if !ok || spec.MatchField == "" {
			continue
		}
		m := make(map[string]string, len(items))
		for _, item := range items {
			natural := transport.FormatID(item[spec.MatchField])
			id := item.ID()
			if natural == "" || id == "" {
				continue
			}
			if _, dup := m[natural]; !dup {
				m[natural] = id
			}
		}
		idx.keys[kind] = m
	}
	return idx
}

// Lookup 实现 plan.DiscoveryIndex。
func (i *Index) Lookup(kind entity.Kind, naturalKey string) (string, bool) {
	id, ok := i.keys[kind][naturalKey]
	return id, ok
}

// Conflicts 找出计划将要新建、但自然键已在远端存在的步骤。
func (i *Index) Conflicts(p *plan.Plan) []Conflict {
	var out []Conflict
	for _, step := range p.Steps {
		if step.AlreadyVerified || step.AdoptRemoteID != "" {
			continue
		}
		spec, ok := i.specs[step.Kind]
		if !ok || spec.MatchField == "" {
			continue
		}
		natural := transport.FormatID(step.Payload[spec.MatchField])
		if natural == "" {
			continue
		}
		if id, ok := i.Lookup(step.Kind, natural); ok {
			out = append(out, Conflict{
				Kind:       step.Kind,
				SourceKey:  step.SourceKey,
				Field:      spec.MatchField,
				NaturalKey: natural,
				RemoteID:   id,
			})
		}
	}
	return out
}

package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/transport"
)

// Lister 为只读列举接口。
type Lister interface {
	List(ctx context.Context, kind entity.Kind, query url.Values) ([]transport.Object, error)
}

// Service 并发列举各类远端实体。请求节奏由共享的传输层限速器统一控制。
type Service struct {
	lister Lister
	specs  map[entity.Kind]plan.KindSpec
	logger *zap.Logger
	now    func() time.Time
}

// NewService 创建发现服务。
func NewService(lister Lister, specs map[entity.Kind]plan.KindSpec, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if specs == nil {
		specs = plan.DefaultSpecs
	}
	return &Service{
		lister: lister,
		specs:  specs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Discover 列举给定类型（为空时全部类型）。单个端点失败只记入结果，认证失败中止。
func (s *Service) Discover(ctx context.Context, kinds ...entity.Kind) (*Snapshot, error) {
	if len(kinds) == 0 {
		kinds = entity.Kinds
	}

	results := make([]EndpointResult, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, kind := range kinds {
		group.Go(func() error {
			items, err := s.lister.List(groupCtx, kind, nil)
			if err != nil {
				if auth.IsAuthError(err) || groupCtx.Err() != nil {
					return err
				}
				s.logger.Warn("端点列举失败", zap.String("endpoint", kind.Endpoint()), zap.Error(err))
				results[i] = EndpointResult{Kind: kind, Endpoint: kind.Endpoint(), Status: StatusError, Error: err.Error()}
				return nil
			}
			results[i] = newEndpointResult(kind, items)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	snap := &Snapshot{
		Summary: Summary{
			RetrievedAt:  s.now(),
			Endpoints:    results,
			Counts:       make(map[entity.Kind]int, len(results)),
			TestPrefixed: make(map[entity.Kind]int),
		},
		Objects: make(map[entity.Kind][]transport.Object, len(results)),
	}
	for _, r := range results {
		snap.Summary.Counts[r.Kind] = r.Count
		snap.Summary.Total += r.Count
		snap.Objects[r.Kind] = r.Data
		if n := s.countTestPrefixed(r.Kind, r.Data); n > 0 {
			snap.Summary.TestPrefixed[r.Kind] = n
		}
	}

	s.logger.Info("远端发现完成",
		zap.Int("endpoints", len(results)),
		zap.Int("total", snap.Summary.Total),
		zap.Any("counts", snap.Summary.Counts),
	)
	return snap, nil
}

func newEndpointResult(kind entity.Kind, items []transport.Object) EndpointResult {
	r := EndpointResult{Kind: kind, Endpoint: kind.Endpoint(), Count: len(items), Data: items}
	if len(items) == 0 {
		r.Status = StatusEmpty
		return r
	}
	r.Status = StatusOK
	r.Sample = items[0]
	r.SampleKeys = make([]string, 0, len(items[0]))
	for k := range items[0] {
		r.SampleKeys = append(r.SampleKeys, k)
	}
	sort.Strings(r.SampleKeys)
	return r
}

func (s *Service) countTestPrefixed(kind entity.Kind, items []transport.Object) int {
	spec, ok := s.specs[kind]
	if !ok || !spec.PrefixedMatch() {
		return 0
	}
	n := 0
	for _, item := range items {
		if entity.IsTestPrefix(transport.FormatID(item[spec.MatchField])) {
			n++
		}
	}
	return n
}

// Save 将每个端点写入 dir/<endpoint>.json，并写入汇总文件。
func (snap *Snapshot) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("discover: 创建目录失败: %w", err)
	}
	for _, r := range snap.Summary.Endpoints {
		if err := writeJSON(filepath.Join(dir, r.Endpoint+".json"), r); err != nil {
			return err
		}
	}

	summary := snap.Summary
	summary.Endpoints = make([]EndpointResult, len(snap.Summary.Endpoints))
	for i, r := range snap.Summary.Endpoints {
		r.Data = nil
		summary.Endpoints[i] = r
	}
	return writeJSON(filepath.Join(dir, ResultsFile), summary)
}

// LoadSnapshot 从发现目录读回各端点数据，缺失的端点文件跳过。
func LoadSnapshot(dir string) (*Snapshot, error) {
	snap := &Snapshot{
		Summary: Summary{Counts: make(map[entity.Kind]int)},
		Objects: make(map[entity.Kind][]transport.Object),
	}
	for _, kind := range entity.Kinds {
		raw, err := os.ReadFile(filepath.Join(dir, kind.Endpoint()+".json"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discover: 读取发现文件失败: %w", err)
		}
		var r EndpointResult
		if err := transport.NewDecoder(raw).Decode(&r); err != nil {
			return nil, fmt.Errorf("discover: 解析 %s.json 失败: %w", kind.Endpoint(), err)
		}
		r.Kind = kind
		snap.Summary.Endpoints = append(snap.Summary.Endpoints, r)
		snap.Summary.Counts[kind] = r.Count
		snap.Summary.Total += r.Count
		snap.Objects[kind] = r.Data
	}
	return snap, nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("discover: 序列化失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("discover: 写入 %s 失败: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("discover: 替换 %s 失败: %w", filepath.Base(path), err)
	}
	return nil
}

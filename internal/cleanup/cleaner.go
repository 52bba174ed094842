package cleanup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/transport"
)

// ErrUnsafePrefix 表示清理前缀不是测试前缀，拒绝执行。
var ErrUnsafePrefix = errors.New("cleanup: 前缀必须以 MIG_TEST_ 开头")

const (
	OriginRepository = "repository"
	OriginRemote     = "remote"
)

// Remote 为清理所需的远端接口。
type Remote interface {
	List(ctx context.Context, kind entity.Kind, query url.Values) ([]transport.Object, error)
	Delete(ctx context.Context, kind entity.Kind, id string) error
}

// Repository 为清理所需的映射存储接口。
type Repository interface {
	All(kind entity.Kind) []entity.MappingEntry
	Delete(ctx context.Context, kind entity.Kind, sourceKey string) error
}

// Options 控制一次清理。
type Options struct {
	Prefix     string
	RemoteScan bool
	DryRun     bool
}

// Item 为一个待删除实体。
type Item struct {
	Kind       entity.Kind `json:"kind"`
	Origin     string      `json:"origin"`
	SourceKey  string      `json:"sourceKey,omitempty"`
	ExternalID string      `json:"externalIdentity,omitempty"`
	NaturalKey string      `json:"naturalKey,omitempty"`
	RemoteID   string      `json:"remoteId,omitempty"`
	Deleted    bool        `json:"deleted"`
	Error      string      `json:"error,omitempty"`
}

// Report 汇总清理结果。
type Report struct {
	Prefix  string `json:"prefix"`
	DryRun  bool   `json:"dryRun"`
	Items   []Item `json:"items"`
	Found   int    `json:"found"`
	Deleted int    `json:"deleted"`
	Failed  int    `json:"failed"`
}

// Cleaner 按逆依赖顺序删除带测试前缀的实体。
type Cleaner struct {
	remote Remote
	repo   Repository
	specs  map[entity.Kind]plan.KindSpec
	logger *zap.Logger
}

// NewCleaner 创建清理器。
func NewCleaner(remote Remote, repo Repository, specs map[entity.Kind]plan.KindSpec, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if specs == nil {
		specs = plan.DefaultSpecs
	}
	return &Cleaner{remote: remote, repo: repo, specs: specs, logger: logger}
}

// Run 执行清理。单个实体删除失败汇总返回，认证失败立即中止。
func (c *Cleaner) Run(ctx context.Context, opts Options) (*Report, error) {
	if !entity.IsTestPrefix(opts.Prefix) {
		return nil, ErrUnsafePrefix
	}

	report := &Report{Prefix: opts.Prefix, DryRun: opts.DryRun, Items: make([]Item, 0)}
	var errs error

	for _, kind := range entity.Reversed() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		handled := make(map[string]bool)
		for _, e := range c.repo.All(kind) {
			if !strings.HasPrefix(e.ExternalID, opts.Prefix) {
				continue
			}
			item := Item{Kind: kind, Origin: OriginRepository, SourceKey: e.SourceKey, ExternalID: e.ExternalID, RemoteID: e.RemoteID}
			if e.RemoteID != "" {
				handled[e.RemoteID] = true
			}
			if err := c.remove(ctx, &item, opts.DryRun); err != nil {
				if auth.IsAuthError(err) {
					report.add(item)
					return report, err
				}
				errs = multierr.Append(errs, err)
			}
			report.add(item)
		}

		if !opts.RemoteScan || !c.specs[kind].PrefixedMatch() {
			continue
		}
		items, err := c.scan(ctx, kind, opts.Prefix, handled)
		if err != nil {
			if auth.IsAuthError(err) {
				return report, err
			}
			errs = multierr.Append(errs, err)
			continue
		}
		for _, item := range items {
			if err := c.remove(ctx, &item, opts.DryRun); err != nil {
				if auth.IsAuthError(err) {
					report.add(item)
					return report, err
				}
				errs = multierr.Append(errs, err)
			}
			report.add(item)
		}
	}

	c.logger.Info("清理结束",
		zap.String("prefix", opts.Prefix),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("found", report.Found),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
	)
	return report, errs
}

// scan 列举远端自然键带前缀、且不在映射中的实体。
func (c *Cleaner) scan(ctx context.Context, kind entity.Kind, prefix string, handled map[string]bool) ([]Item, error) {
	objects, err := c.remote.List(ctx, kind, nil)
	if err != nil {
		return nil, fmt.Errorf("cleanup: 列举 %s 失败: %w", kind.Endpoint(), err)
	}
	field := c.specs[kind].MatchField
	var out []Item
	for _, obj := range objects {
		natural := transport.FormatID(obj[field])
		id := obj.ID()
		if !strings.HasPrefix(natural, prefix) || handled[id] {
			continue
		}
		if id == "" {
			c.logger.Warn("远端实体缺少标识，跳过", zap.String("kind", string(kind)), zap.String("natural_key", natural))
			continue
		}
		out = append(out, Item{Kind: kind, Origin: OriginRemote, NaturalKey: natural, RemoteID: id})
	}
	return out, nil
}

// remove 删除远端实体并移除映射条目，404 视为已删除。
func (c *Cleaner) remove(ctx context.Context, item *Item, dryRun bool) error {
	if dryRun {
		c.logger.Info("待删除（演练）",
			zap.String("kind", string(item.Kind)),
			zap.String("origin", item.Origin),
			zap.String("remote_id", item.RemoteID),
		)
		return nil
	}

	if item.RemoteID != "" {
		if err := c.remote.Delete(ctx, item.Kind, item.RemoteID); err != nil && !transport.IsNotFound(err) {
			item.Error = err.Error()
			c.logger.Warn("删除失败", zap.String("kind", string(item.Kind)), zap.String("remote_id", item.RemoteID), zap.Error(err))
			return err
		}
	}
	if item.Origin == OriginRepository {
		if err := c.repo.Delete(ctx, item.Kind, item.SourceKey); err != nil {
			item.Error = err.Error()
			return err
		}
	}
	item.Deleted = true
	c.logger.Debug("已删除", zap.String("kind", string(item.Kind)), zap.String("remote_id", item.RemoteID))
	return nil
}

func (r *Report) add(item Item) {
	r.Items = append(r.Items, item)
	r.Found++
	switch {
	case item.Deleted:
		r.Deleted++
	case item.Error != "":
		r.Failed++
	}
}

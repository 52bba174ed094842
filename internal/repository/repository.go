package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"volt-migrate/internal/entity"
)

// Repository 为 (kind, sourceKey) 到外部标识与远端标识的持久映射。
// 启动时整体加载进内存，每次变更同步写入数据库。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[entity.Key]entity.MappingEntry
	order   map[entity.Kind][]string
}

// New 初始化表结构并加载全部映射。
func New(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Repository, error) {
	if db == nil {
		return nil, errors.New("repository: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository{
		db:      db,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[entity.Key]entity.MappingEntry),
		order:   make(map[entity.Kind][]string),
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS entity_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			source_key TEXT NOT NULL,
			external_id TEXT NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(kind, source_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entity_mappings_external ON entity_mappings(external_id);`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("repository: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

func (r *Repository) load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT kind, source_key, external_id, remote_id, status, updated_at FROM entity_mappings ORDER BY id`)
	if err != nil {
		return fmt.Errorf("repository: 查询映射失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       entity.MappingEntry
			kind    string
			status  string
			updated string
		)
		if err := rows.Scan(&kind, &e.SourceKey, &e.ExternalID, &e.RemoteID, &status, &updated); err != nil {
			return fmt.Errorf("repository: 解析映射失败: %w", err)
		}
		e.Kind = entity.Kind(kind)
		e.Status = entity.Status(status)
		if ts, parseErr := time.Parse(time.RFC3339Nano, updated); parseErr == nil {
			e.UpdatedAt = ts
		}
		r.put(e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("repository: 读取映射失败: %w", err)
	}

	r.logger.Info("已加载实体映射", zap.Int("count", len(r.entries)))
	return nil
}

// Get 返回映射条目。
func (r *Repository) Get(kind entity.Kind, sourceKey string) (entity.MappingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entity.Key{Kind: kind, SourceKey: sourceKey}]
	return e, ok
}

// Upsert 写入或更新映射条目，数据库写入成功后才更新内存视图。
func (r *Repository) Upsert(ctx context.Context, e entity.MappingEntry) error {
	if !e.Kind.Valid() || e.SourceKey == "" {
		return fmt.Errorf("repository: 非法映射键 %s", e.Key())
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entity_mappings (kind, source_key, external_id, remote_id, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, source_key) DO UPDATE SET
			external_id = excluded.external_id,
			remote_id = excluded.remote_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		string(e.Kind), e.SourceKey, e.ExternalID, e.RemoteID, string(e.Status), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("repository: 写入映射 %s 失败: %w", e.Key(), err)
	}

	r.mu.Lock()
	r.put(e)
	r.mu.Unlock()
	return nil
}

// Delete 移除映射条目，仅供清理流程在远端删除后调用。
func (r *Repository) Delete(ctx context.Context, kind entity.Kind, sourceKey string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM entity_mappings WHERE kind = ? AND source_key = ?`, string(kind), sourceKey,
	); err != nil {
		return fmt.Errorf("repository: 删除映射 %s/%s 失败: %w", kind, sourceKey, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := entity.Key{Kind: kind, SourceKey: sourceKey}
	if _, ok := r.entries[key]; !ok {
		return nil
	}
	delete(r.entries, key)
	keys := r.order[kind]
	for i, k := range keys {
		if k == sourceKey {
			r.order[kind] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

// All 按首次写入顺序返回某类型的全部条目。
func (r *Repository) All(kind entity.Kind) []entity.MappingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.order[kind]
	out := make([]entity.MappingEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[entity.Key{Kind: kind, SourceKey: k}])
	}
	return out
}

// Entries 按类型依赖顺序返回全部条目。
func (r *Repository) Entries() []entity.MappingEntry {
	out := make([]entity.MappingEntry, 0, r.Len())
	for _, kind := range entity.Kinds {
		out = append(out, r.All(kind)...)
	}
	return out
}

// Len 返回条目总数。
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Export 将全部条目写为映射文件（JSON 数组）。
func (r *Repository) Export(path string) error {
	raw, err := json.MarshalIndent(r.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("repository: 序列化映射失败: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("repository: 创建目录失败: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("repository: 写入映射文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("repository: 替换映射文件失败: %w", err)
	}
	return nil
}

// Import 从映射文件导入条目，已存在的键被覆盖。
func (r *Repository) Import(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("repository: 读取映射文件失败: %w", err)
	}
	var entries []entity.MappingEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("repository: 解析映射文件 %q 失败: %w", path, err)
	}
	for _, e := range entries {
		if err := r.Upsert(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (r *Repository) put(e entity.MappingEntry) {
	key := e.Key()
	if _, exists := r.entries[key]; !exists {
		r.order[e.Kind] = append(r.order[e.Kind], e.SourceKey)
	}
	r.entries[key] = e
}

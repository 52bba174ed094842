package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"volt-migrate/internal/entity"
)

// Ledger 将步骤结果只追加地写入 SQLite。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 初始化台账并创建所需表结构。
func New(db *sql.DB, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS ledger_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	step_order INTEGER NOT NULL,
	kind TEXT NOT NULL,
	source_key TEXT NOT NULL,
	external_id TEXT NOT NULL,
	remote_id TEXT NOT NULL DEFAULT '',
	transition TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_run ON ledger_events(run_id);
`
	if _, err := l.db.Exec(stmt); err != nil {
		return fmt.Errorf("ledger: 初始化表失败: %w", err)
	}
	return nil
}

// Append 追加一条事件。
func (l *Ledger) Append(ctx context.Context, event Event) error {
	if event.RunID == "" {
		return errors.New("ledger: runID 不能为空")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_events (run_id, step_order, kind, source_key, external_id, remote_id, transition, error_kind, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.StepOrder, string(event.Kind), event.SourceKey, event.ExternalID, event.RemoteID,
		string(event.Transition), event.ErrorKind, event.Message, event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入事件失败: %w", err)
	}
	return nil
}

// Events 按写入顺序返回某次运行的事件，runID 为空时返回全部运行的最近事件。
func (l *Ledger) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT run_id, step_order, kind, source_key, external_id, remote_id, transition, error_kind, message, created_at
		FROM (SELECT * FROM ledger_events`
	args := make([]interface{}, 0, 2)
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?) ORDER BY id`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e          Event
			kind       string
			transition string
			created    string
		)
		if scanErr := rows.Scan(&e.RunID, &e.StepOrder, &kind, &e.SourceKey, &e.ExternalID, &e.RemoteID,
			&transition, &e.ErrorKind, &e.Message, &created); scanErr != nil {
			return nil, fmt.Errorf("ledger: 解析事件失败: %w", scanErr)
		}
		e.Kind = entity.Kind(kind)
		e.Transition = Transition(transition)
		if ts, parseErr := time.Parse(time.RFC3339Nano, created); parseErr == nil {
			e.Timestamp = ts
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取事件失败: %w", err)
	}
	return events, nil
}

// Stats 统计某次运行各类型的迁移计数。
func (l *Ledger) Stats(ctx context.Context, runID string) (Stats, error) {
	stats := Stats{RunID: runID, Kinds: make(map[entity.Kind]*KindStats)}

	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, transition, COUNT(*) FROM ledger_events WHERE run_id = ? GROUP BY kind, transition`, runID)
	if err != nil {
		return stats, fmt.Errorf("ledger: 统计事件失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind       string
			transition string
			count      int
		)
		if err := rows.Scan(&kind, &transition, &count); err != nil {
			return stats, fmt.Errorf("ledger: 解析统计失败: %w", err)
		}
		ks, ok := stats.Kinds[entity.Kind(kind)]
		if !ok {
			ks = &KindStats{}
			stats.Kinds[entity.Kind(kind)] = ks
		}
		ks.add(Transition(transition), count)
		stats.Totals.add(Transition(transition), count)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("ledger: 读取统计失败: %w", err)
	}
	return stats, nil
}

// LatestRun 返回最近一次运行的标识，没有记录时返回空串。
func (l *Ledger) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := l.db.QueryRowContext(ctx, `SELECT run_id FROM ledger_events ORDER BY id DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: 查询最近运行失败: %w", err)
	}
	return runID, nil
}

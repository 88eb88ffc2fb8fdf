package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	xerrors "PhaseForge/internal/errors"
)

// SQLiteBackend 将事件持久化到本地 SQLite 文件，进程重启后
// 消费者仍可凭序号续读。
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend 打开(或创建)指定路径的事件库。
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开事件库失败")
	}
	// 单写者即可满足追加日志的写入模式。
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    type        TEXT NOT NULL,
    task_id     TEXT NOT NULL DEFAULT '',
    agent_id    TEXT NOT NULL DEFAULT '',
    data        TEXT NOT NULL DEFAULT '{}',
    occurred_at TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化事件表失败")
	}
	return &SQLiteBackend{db: db}, nil
}

// Append 写入事件并返回分配到的序号。
func (b *SQLiteBackend) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data := []byte("{}")
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return Event{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件负载失败")
		}
		data = raw
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO events (type, task_id, agent_id, data, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.TaskID, ev.AgentID, string(data), ev.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加事件失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件序号失败")
	}
	ev.Seq = uint64(seq)
	return ev, nil
}

// ReadFrom 返回序号大于 cursor 的事件。limit 非正时返回全部积压，
// 与内存后端保持同一契约，订阅回放依赖这一点。
func (b *SQLiteBackend) ReadFrom(ctx context.Context, cursor uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		// SQLite 约定 LIMIT -1 表示不限制。
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, type, task_id, agent_id, data, occurred_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		cursor, limit,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件失败")
	}
	defer rows.Close()

	out := make([]Event, 0, 64)
	for rows.Next() {
		var (
			ev       Event
			evType   string
			rawData  string
			occurred string
		)
		if err := rows.Scan(&ev.Seq, &evType, &ev.TaskID, &ev.AgentID, &rawData, &occurred); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描事件失败")
		}
		ev.Type = Type(evType)
		if rawData != "" && rawData != "{}" {
			if err := json.Unmarshal([]byte(rawData), &ev.Data); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件负载失败")
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件时间失败")
		}
		ev.OccurredAt = ts
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq 返回当前最大的事件序号。
func (b *SQLiteBackend) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件序号失败")
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Close 关闭底层数据库。
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)

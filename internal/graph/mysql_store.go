package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PhaseForge/internal/errors"
)

// MySQLStore 使用 MySQL 持久化任务图。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

const taskColumns = `id, description, phase_id, phase_order, status, priority, assigned_agent_id, created_by,
        dependencies, result_summary, key_learnings, attempts, max_retries, last_error, error_code, archived, created_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	depsValue, err := marshalDependencies(task.Dependencies)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码任务依赖失败")
	}

	const stmt = `INSERT INTO task_nodes
        (id, description, phase_id, phase_order, status, priority, assigned_agent_id, created_by,
        dependencies, result_summary, key_learnings, attempts, max_retries, last_error, error_code, archived, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, '', '', 0, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Description,
		task.PhaseID,
		task.PhaseOrder,
		task.Status,
		task.Priority,
		task.AssignedAgentID,
		task.CreatedByTaskID,
		depsValue,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrClaimConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	stmt := `SELECT ` + taskColumns + ` FROM task_nodes WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 以条件更新实现 pending→assigned 的原子占用。
func (s *MySQLStore) Claim(ctx context.Context, id, agentID string) (*Task, error) {
	const stmt = `UPDATE task_nodes SET status = ?, assigned_agent_id = ?, updated_at = ?
        WHERE id = ? AND status = ? AND archived = 0`

	res, err := s.db.ExecContext(ctx, stmt, StatusAssigned, agentID, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "占用任务失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, "", ErrClaimConflict)
}

// MarkInProgress 由持有者将任务置为执行中。
func (s *MySQLStore) MarkInProgress(ctx context.Context, id, agentID string) (*Task, error) {
	const stmt = `UPDATE task_nodes SET status = ?, updated_at = ?
        WHERE id = ? AND status = ? AND assigned_agent_id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusInProgress, time.Now().Unix(), id, StatusAssigned, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, agentID, ErrIllegalTransition)
}

// MarkDone 写入终态结果。
func (s *MySQLStore) MarkDone(ctx context.Context, id, agentID, resultSummary, keyLearnings string) (*Task, error) {
	const stmt = `UPDATE task_nodes SET status = ?, result_summary = ?, key_learnings = ?,
        last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND assigned_agent_id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusDone, resultSummary, keyLearnings, time.Now().Unix(),
		id, StatusAssigned, StatusInProgress, agentID,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务完成失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, agentID, ErrIllegalTransition)
}

// MarkFailed 写入失败原因。agentID 为空时为调度器取消路径，不校验持有者。
func (s *MySQLStore) MarkFailed(ctx context.Context, id, agentID, reason, code string, _ bool) (*Task, error) {
	var (
		res sql.Result
		err error
		now = time.Now().Unix()
	)
	if agentID == "" {
		const stmt = `UPDATE task_nodes SET status = ?, last_error = ?, error_code = ?, updated_at = ?
            WHERE id = ? AND status IN (?, ?)`
		res, err = s.db.ExecContext(ctx, stmt, StatusFailed, reason, code, now, id, StatusAssigned, StatusInProgress)
	} else {
		const stmt = `UPDATE task_nodes SET status = ?, last_error = ?, error_code = ?, updated_at = ?
            WHERE id = ? AND status IN (?, ?) AND assigned_agent_id = ?`
		res, err = s.db.ExecContext(ctx, stmt, StatusFailed, reason, code, now, id, StatusAssigned, StatusInProgress, agentID)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, agentID, ErrIllegalTransition)
}

// MarkBlocked 声明任务受阻并释放持有权。
func (s *MySQLStore) MarkBlocked(ctx context.Context, id, agentID, reason string) (*Task, error) {
	const stmt = `UPDATE task_nodes SET status = ?, assigned_agent_id = '', last_error = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND assigned_agent_id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusBlocked, reason, time.Now().Unix(), id, StatusAssigned, StatusInProgress, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务受阻失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, agentID, ErrIllegalTransition)
}

// Release 处理心跳超时：未耗尽重试时放回 pending，否则永久失败。
// 每次回收把 attempts 加一并以加一后的值判定是否耗尽，
// 停留在 assigned 的任务同样消耗重试额度。
func (s *MySQLStore) Release(ctx context.Context, id, cause string) (*Task, error) {
	now := time.Now().Unix()

	const requeue = `UPDATE task_nodes SET status = ?, assigned_agent_id = '', attempts = attempts + 1, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND attempts + 1 < max_retries`
	res, err := s.db.ExecContext(ctx, requeue,
		StatusPending, cause, string(xerrors.CodeLivenessTimeout), now,
		id, StatusAssigned, StatusInProgress,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收任务失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return s.Get(ctx, id)
	}

	const exhaust = `UPDATE task_nodes SET status = ?, assigned_agent_id = '', attempts = attempts + 1, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND attempts + 1 >= max_retries`
	res, err = s.db.ExecContext(ctx, exhaust,
		StatusFailed, cause, string(xerrors.CodeRetriesExhausted), now,
		id, StatusAssigned, StatusInProgress,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "终止任务失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return task, ErrRetriesExhausted
	}

	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return task, ErrIllegalTransition
}

// Unblock 将受阻任务放回待调度集合。
func (s *MySQLStore) Unblock(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE task_nodes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusPending, time.Now().Unix(), id, StatusBlocked)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复受阻任务失败")
	}
	return s.afterConditionalUpdate(ctx, res, id, "", ErrIllegalTransition)
}

// Archive 归档任务。
func (s *MySQLStore) Archive(ctx context.Context, id string) error {
	const stmt = `UPDATE task_nodes SET archived = 1, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档任务失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM task_nodes`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY created_at ASC, id ASC"
	if opts.Order == SortByCreatedDesc {
		order = " ORDER BY created_at DESC, id DESC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 统计各状态的任务数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS assigned,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS in_progress,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS blocked,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS done,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
        FROM task_nodes WHERE archived = 0`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPending), string(StatusAssigned), string(StatusInProgress),
		string(StatusBlocked), string(StatusDone), string(StatusFailed),
	)

	var stats Stats
	var pending, assigned, inProgress, blocked, done, failed sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &assigned, &inProgress, &blocked, &done, &failed); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.Pending = int(pending.Int64)
	stats.Assigned = int(assigned.Int64)
	stats.InProgress = int(inProgress.Int64)
	stats.Blocked = int(blocked.Int64)
	stats.Done = int(done.Int64)
	stats.Failed = int(failed.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// afterConditionalUpdate 在 CAS 更新未命中时读取任务并归类失败原因。
func (s *MySQLStore) afterConditionalUpdate(ctx context.Context, res sql.Result, id, agentID string, statusErr error) (*Task, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	if agentID != "" && task.AssignedAgentID != agentID {
		return task, ErrNotOwner
	}
	return task, statusErr
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var deps, resultSummary, keyLearnings, lastError sql.NullString
	var archived int
	if err := scan(
		&task.ID,
		&task.Description,
		&task.PhaseID,
		&task.PhaseOrder,
		&task.Status,
		&task.Priority,
		&task.AssignedAgentID,
		&task.CreatedByTaskID,
		&deps,
		&resultSummary,
		&keyLearnings,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&archived,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	decoded, err := unmarshalDependencies(deps)
	if err != nil {
		return nil, err
	}
	task.Dependencies = decoded
	task.ResultSummary = resultSummary.String
	task.KeyLearnings = keyLearnings.String
	task.LastError = lastError.String
	task.Archived = archived != 0
	return &task, nil
}

func marshalDependencies(deps []string) (sql.NullString, error) {
	if len(deps) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(deps)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalDependencies(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw.String), &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if !opts.IncludeArchived {
		conditions = append(conditions, "archived = 0")
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.PhaseID != "" {
		conditions = append(conditions, "phase_id = ?")
		args = append(args, opts.PhaseID)
	}
	if opts.CreatedBy != "" {
		conditions = append(conditions, "created_by = ?")
		args = append(args, opts.CreatedBy)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)

// Package sqlstore 基于 MySQL 或 SQLite 实现 market.Store。
//
// 所有状态推进都以 "UPDATE ... WHERE id = ? AND version = ?" 的条件写入完成，
// 一个变更集中的全部写入位于同一个事务内，受影响行数为 0 时整体回滚并返回版本冲突。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
	"IntentMesh/pkg/logger"
)

// Store 是 market.Store 的关系型实现。
type Store struct {
	db      *sql.DB
	dialect Dialect
	hook    market.ApplyHook
	clock   func() time.Time
	log     *slog.Logger
}

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithApplyHook 设置故障注入钩子，钩子在事务内每写入一行后执行。
func WithApplyHook(hook market.ApplyHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// WithClock 替换时间源。
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open 建立连接并执行嵌入的迁移脚本。
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	s := &Store{
		db:      db,
		dialect: cfg.Driver,
		clock:   time.Now,
		log:     logger.Named("sqlstore").With(slog.String("driver", string(cfg.Driver))),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "数据库迁移失败")
	}
	return s, nil
}

// SetApplyHook 在运行期替换故障注入钩子。
func (s *Store) SetApplyHook(hook market.ApplyHook) {
	s.hook = hook
}

// Close 关闭连接池。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func storageErr(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func requireID(id, what string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, what+" ID 不能为空")
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func decodeTags(raw string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("解析能力标签失败: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// inClause 生成 "col IN (?, ?, ...)" 片段。
func inClause[T ~string](column string, values []T) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = string(v)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")", args
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// versionMiss 在条件更新未命中时区分实体不存在与版本冲突。
func versionMiss(ctx context.Context, q querier, table, id string, notFound error) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return notFound
	}
	if err != nil {
		return storageErr(err, "查询 "+table+" 失败")
	}
	return market.ErrVersionConflict
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "读取受影响行数失败")
	}
	return n, nil
}

var _ market.Store = (*Store)(nil)

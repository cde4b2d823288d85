package sqlstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"IntentMesh/deploy/migrations"
)

// migration 是一个按方言嵌入的 SQL 文件，文件名以递增的数字版本开头，如 0001_init.sql。
type migration struct {
	version    int64
	name       string
	checksum   string
	statements []string
}

const schemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// migrate 执行尚未记录的迁移。已执行的迁移内容被修改时拒绝启动。
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaTable); err != nil {
		return storageErr(err, "创建 schema_migrations 表失败")
	}
	applied, err := s.appliedChecksums(ctx)
	if err != nil {
		return err
	}
	pending, err := embeddedMigrations(s.dialect)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return storageErr(fmt.Errorf("checksum %s != %s", sum, m.checksum),
					fmt.Sprintf("迁移 %s 已执行但内容已被修改", m.name))
			}
			continue
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error { return s.applyMigration(ctx, tx, m) }); err != nil {
			return err
		}
		s.log.Info("已执行数据库迁移", slog.Int64("version", m.version), slog.String("file", m.name))
	}
	return nil
}

func (s *Store) appliedChecksums(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, storageErr(err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version int64
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, storageErr(err, "解析 schema_migrations 失败")
		}
		applied[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// applyMigration 执行一个迁移文件并登记版本。MySQL 的 DDL 会隐式提交，迁移脚本必须可重复执行。
func (s *Store) applyMigration(ctx context.Context, tx *sql.Tx, m migration) error {
	for i, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr(err, fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", m.name, i+1))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		m.version, m.name, m.checksum, millis(s.now())); err != nil {
		return storageErr(err, "登记迁移版本失败")
	}
	return nil
}

func embeddedMigrations(dialect Dialect) ([]migration, error) {
	dir, err := fs.Sub(migrations.Files, string(dialect))
	if err != nil {
		return nil, storageErr(err, fmt.Sprintf("定位 %s 迁移目录失败", dialect))
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, storageErr(err, "读取迁移目录失败")
	}

	var out []migration
	seen := make(map[int64]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, storageErr(fmt.Errorf("%s 与 %s", prev, name), fmt.Sprintf("迁移版本 %d 重复", version))
		}
		seen[version] = name
		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, storageErr(err, "读取迁移文件 "+name+" 失败")
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements(string(content)),
		})
	}
	slices.SortFunc(out, func(a, b migration) int { return int(a.version - b.version) })
	return out, nil
}

// migrationVersion 解析文件名开头的数字版本。
func migrationVersion(name string) (int64, error) {
	digits := name
	if idx := strings.IndexFunc(name, func(r rune) bool { return r < '0' || r > '9' }); idx >= 0 {
		digits = name[:idx]
	}
	version, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, storageErr(fmt.Errorf("invalid version prefix %q", digits), "迁移文件 "+name+" 缺少数字版本")
	}
	return version, nil
}

// statements 去掉 -- 注释行后按分号切分语句。
func statements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

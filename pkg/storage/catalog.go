package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Catalog 用 SQLite 记录已写入的分区，便于按股票查询而不必遍历目录
type Catalog struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logrus.Entry
}

// NewCatalog 打开（或创建）目录数据库并执行迁移
func NewCatalog(path string, log *logrus.Entry) (*Catalog, error) {
	if log == nil {
		log = logger.WithComponent("Catalog")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrapStorageError(ErrStorageIO, "create catalog dir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	c := &Catalog{db: db, log: log}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.WithField("path", path).Info("分区目录已打开")
	return c, nil
}

func (c *Catalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			ticker      TEXT    NOT NULL,
			day         TEXT    NOT NULL,
			provider    TEXT,
			data_points INTEGER NOT NULL,
			range_start INTEGER NOT NULL,
			range_end   INTEGER NOT NULL,
			checksum    TEXT    NOT NULL,
			file_size   INTEGER NOT NULL,
			path        TEXT    NOT NULL,
			saved_at    INTEGER NOT NULL,
			PRIMARY KEY (ticker, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_partitions_saved ON partitions(saved_at)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Record 写入或覆盖一个分区记录，主键为股票代码加分区日期
func (c *Catalog) Record(ctx context.Context, meta *core.PartitionMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO partitions
			(ticker, day, provider, data_points, range_start, range_end, checksum, file_size, path, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, day) DO UPDATE SET
			provider    = excluded.provider,
			data_points = excluded.data_points,
			range_start = excluded.range_start,
			range_end   = excluded.range_end,
			checksum    = excluded.checksum,
			file_size   = excluded.file_size,
			path        = excluded.path,
			saved_at    = excluded.saved_at`,
		meta.Ticker,
		meta.DateRange.Start.UTC().Format("2006-01-02"),
		meta.Provider,
		meta.DataPoints,
		meta.DateRange.Start.UTC().UnixNano(),
		meta.DateRange.End.UTC().UnixNano(),
		meta.Checksum,
		meta.FileSize,
		meta.Path,
		meta.SavedAt.UTC().UnixNano(),
	)
	if err != nil {
		return wrapStorageError(ErrStorageIO, "record partition "+meta.Ticker, err)
	}
	return nil
}

// List 按日期升序返回某只股票的分区记录
func (c *Catalog) List(ctx context.Context, ticker string) ([]core.PartitionMetadata, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ticker, provider, data_points, range_start, range_end, checksum, file_size, path, saved_at
		FROM partitions WHERE ticker = ? ORDER BY day`, ticker)
	if err != nil {
		return nil, wrapStorageError(ErrStorageIO, "query partitions", err)
	}
	defer rows.Close()

	var out []core.PartitionMetadata
	for rows.Next() {
		var (
			m                 core.PartitionMetadata
			provider          sql.NullString
			start, end, saved int64
		)
		if err := rows.Scan(&m.Ticker, &provider, &m.DataPoints, &start, &end,
			&m.Checksum, &m.FileSize, &m.Path, &saved); err != nil {
			return nil, wrapStorageError(ErrStorageIO, "scan partition", err)
		}
		m.Provider = provider.String
		m.DateRange = core.DateRange{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}
		m.SavedAt = time.Unix(0, saved).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageError(ErrStorageIO, "iterate partitions", err)
	}
	return out, nil
}

// Count 返回目录中的分区总数
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partitions`).Scan(&n); err != nil {
		return 0, wrapStorageError(ErrStorageIO, "count partitions", err)
	}
	return n, nil
}

// Close 关闭数据库
func (c *Catalog) Close() error {
	return c.db.Close()
}

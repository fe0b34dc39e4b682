package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// ArchiveRecord 是一次已执行会话的落库结构，供离线审计查询。
type ArchiveRecord struct {
	SessionID        string
	Goal             string
	ApprovedPlanHash string
	SignerAddress    string
	ExecutionTxID    string
	LastAuditTxID    string
	ExecutedAt       int64
}

// Archive 抽象已执行会话的归档接口。
type Archive interface {
	Save(ctx context.Context, record ArchiveRecord) error
	ListLatest(ctx context.Context, limit int) ([]ArchiveRecord, error)
	Close() error
}

// SQLArchive 使用 MySQL 存储归档记录。
type SQLArchive struct {
	db *sql.DB
}

// NewSQLArchive 创建连接池并初始化数据表。
func NewSQLArchive(dsn string) (*SQLArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	archive := &SQLArchive{db: db}
	if err := archive.initSchema(); err != nil {
		return nil, err
	}
	return archive, nil
}

func (a *SQLArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS executed_sessions (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        goal TEXT NOT NULL,
        approved_plan_hash VARCHAR(66) NOT NULL,
        signer_address VARCHAR(64) DEFAULT '',
        execution_tx_id VARCHAR(128) DEFAULT '',
        last_audit_tx_id VARCHAR(128) DEFAULT '',
        executed_at BIGINT NOT NULL,
        INDEX idx_session_id (session_id),
        INDEX idx_executed_at (executed_at)
)`

	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 executed_sessions 表失败: %w", err)
	}
	return nil
}

// Save 将归档记录写入 MySQL。
func (a *SQLArchive) Save(ctx context.Context, record ArchiveRecord) error {
	const stmt = `INSERT INTO executed_sessions
        (session_id, goal, approved_plan_hash, signer_address, execution_tx_id, last_audit_tx_id, executed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := a.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.Goal,
		record.ApprovedPlanHash,
		record.SignerAddress,
		record.ExecutionTxID,
		record.LastAuditTxID,
		record.ExecutedAt,
	); err != nil {
		return fmt.Errorf("写入归档记录失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条归档记录。
func (a *SQLArchive) ListLatest(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.db.QueryContext(ctx, `SELECT session_id, goal, approved_plan_hash, signer_address, execution_tx_id, last_audit_tx_id, executed_at
        FROM executed_sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档记录失败: %w", err)
	}
	defer rows.Close()

	var records []ArchiveRecord
	for rows.Next() {
		var record ArchiveRecord
		if err := rows.Scan(&record.SessionID, &record.Goal, &record.ApprovedPlanHash, &record.SignerAddress, &record.ExecutionTxID, &record.LastAuditTxID, &record.ExecutedAt); err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (a *SQLArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

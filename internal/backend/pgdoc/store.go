// Package pgdoc 基于 PostgreSQL JSONB 的文档存储
package pgdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.realtime/internal/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	create_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	update_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data jsonb_path_ops);
`

const (
	mergeSQL = `
		INSERT INTO documents (path, collection, doc_id, data, create_at, update_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW())
		ON CONFLICT (path) DO UPDATE
		SET data = documents.data || EXCLUDED.data, update_at = NOW()
	`
	replaceSQL = `
		INSERT INTO documents (path, collection, doc_id, data, create_at, update_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW())
		ON CONFLICT (path) DO UPDATE
		SET data = EXCLUDED.data, update_at = NOW()
	`
	deleteSQL = `DELETE FROM documents WHERE path = $1`
)

// execer 连接池与事务的公共部分
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store PostgreSQL 文档存储
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ backend.Documents   = (*Store)(nil)
	_ backend.BatchWriter = (*Store)(nil)
)

// New 创建文档存储
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// Migrate 创建表与索引
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	s.logger.Info("Document schema migrated")
	return nil
}

// Write 写入文档，合并写入使用 JSONB 拼接
func (s *Store) Write(ctx context.Context, path string, fields backend.Fields, opts backend.WriteOptions) error {
	return apply(ctx, s.db, backend.SetMutation(path, fields, opts))
}

// Remove 删除文档
func (s *Store) Remove(ctx context.Context, path string) error {
	return apply(ctx, s.db, backend.RemoveMutation(path))
}

// ApplyBatch 在一个事务中执行全部变更
func (s *Store) ApplyBatch(ctx context.Context, mutations []backend.Mutation) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range mutations {
		if err := apply(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func apply(ctx context.Context, db execer, m backend.Mutation) error {
	if !backend.ValidDocumentPath(m.Path) {
		return fmt.Errorf("%w: %q", backend.ErrInvalidPath, m.Path)
	}
	if m.Op == backend.OpRemove {
		_, err := db.Exec(ctx, deleteSQL, m.Path)
		return err
	}

	data, err := json.Marshal(backend.EncodeFields(m.Fields))
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Path, err)
	}
	collection, id := backend.Split(m.Path)
	query := replaceSQL
	if m.Merge {
		query = mergeSQL
	}
	_, err = db.Exec(ctx, query, m.Path, collection, id, string(data))
	return err
}

// GetOnce 读取文档
func (s *Store) GetOnce(ctx context.Context, path string) (*backend.Document, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, err := backend.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	doc := backend.NewDocument(path, fields)
	return &doc, nil
}

// QueryOnce 谓词转换为 JSONB 包含条件，由 GIN 索引过滤
func (s *Store) QueryOnce(ctx context.Context, collection string, preds ...backend.Predicate) ([]backend.Document, error) {
	where, args, err := buildWhere(collection, preds)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `SELECT path, data FROM documents WHERE `+where+` ORDER BY path`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []backend.Document
	for rows.Next() {
		var path string
		var data []byte
		if err := rows.Scan(&path, &data); err != nil {
			return nil, err
		}
		fields, err := backend.DecodeFields(data)
		if err != nil {
			s.logger.Warn("Failed to decode document", "path", path, "error", err)
			continue
		}
		if backend.MatchAll(fields, preds) {
			docs = append(docs, backend.NewDocument(path, fields))
		}
	}
	return docs, rows.Err()
}

// buildWhere 生成查询条件
// Eq:            data @> {"field": value}
// ArrayContains: data @> {"field": [value]}
func buildWhere(collection string, preds []backend.Predicate) (string, []any, error) {
	clauses := []string{"collection = $1"}
	args := []any{collection}

	for _, p := range preds {
		var value any
		switch p.Op {
		case backend.OpEq:
			value = p.Value
		case backend.OpArrayContains:
			value = []any{p.Value}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", p.Op)
		}
		containment, err := json.Marshal(map[string]any{p.Field: value})
		if err != nil {
			return "", nil, err
		}
		args = append(args, string(containment))
		clauses = append(clauses, fmt.Sprintf("data @> $%d::jsonb", len(args)))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

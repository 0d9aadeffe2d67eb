// Package redisdoc 基于 Redis 的文档存储
//
// 文档以 JSON 保存在 im:doc:{path}，集合成员保存在集合 im:col:{collection} 中。
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"sudooom.im.realtime/internal/backend"
)

const (
	// DocKeyPrefix 文档 Key 前缀
	DocKeyPrefix = "im:doc:"
	// CollectionKeyPrefix 集合索引 Key 前缀
	CollectionKeyPrefix = "im:col:"

	// maxTxRetries 乐观锁冲突时的重试次数
	maxTxRetries = 5
)

var ErrTxConflict = errors.New("redis transaction conflict")

// BuildDocKey 文档 Key
// Key: im:doc:{path}
func BuildDocKey(path string) string {
	return DocKeyPrefix + path
}

// BuildCollectionKey 集合索引 Key
// Key: im:col:{collection}, Members: 文档 ID
func BuildCollectionKey(collection string) string {
	return CollectionKeyPrefix + collection
}

// Store Redis 文档存储
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var (
	_ backend.Documents   = (*Store)(nil)
	_ backend.BatchWriter = (*Store)(nil)
)

// New 创建 Redis 文档存储
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, logger: slog.Default()}
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encode(f backend.Fields) ([]byte, error) {
	return json.Marshal(backend.EncodeFields(f))
}

// Write 写入文档，合并写入通过 WATCH 保证读改写的原子性
func (s *Store) Write(ctx context.Context, path string, fields backend.Fields, opts backend.WriteOptions) error {
	return s.ApplyBatch(ctx, []backend.Mutation{backend.SetMutation(path, fields, opts)})
}

// Remove 删除文档
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.ApplyBatch(ctx, []backend.Mutation{backend.RemoveMutation(path)})
}

// ApplyBatch 在一个 MULTI/EXEC 中执行全部变更
func (s *Store) ApplyBatch(ctx context.Context, mutations []backend.Mutation) error {
	watch := make([]string, 0, len(mutations))
	for _, m := range mutations {
		if !backend.ValidDocumentPath(m.Path) {
			return fmt.Errorf("%w: %q", backend.ErrInvalidPath, m.Path)
		}
		if m.Op == backend.OpWrite && m.Merge {
			watch = append(watch, BuildDocKey(m.Path))
		}
	}

	txf := func(tx *redis.Tx) error {
		// 合并写需要先读出当前文档
		current := make(map[string]backend.Fields, len(watch))
		for _, m := range mutations {
			if m.Op != backend.OpWrite || !m.Merge {
				continue
			}
			if _, ok := current[m.Path]; ok {
				continue
			}
			data, err := tx.Get(ctx, BuildDocKey(m.Path)).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				current[m.Path] = backend.Fields{}
			case err != nil:
				return err
			default:
				f, err := backend.DecodeFields(data)
				if err != nil {
					return fmt.Errorf("decode %s: %w", m.Path, err)
				}
				current[m.Path] = f
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range mutations {
				collection, id := backend.Split(m.Path)
				key := BuildDocKey(m.Path)

				if m.Op == backend.OpRemove {
					delete(current, m.Path)
					pipe.Del(ctx, key)
					pipe.SRem(ctx, BuildCollectionKey(collection), id)
					continue
				}

				doc := m.Fields
				if m.Merge {
					base, ok := current[m.Path]
					if !ok {
						base = backend.Fields{}
					}
					for k, v := range m.Fields {
						base[k] = v
					}
					current[m.Path] = base
					doc = base
				} else {
					current[m.Path] = m.Fields.Clone()
				}

				data, err := encode(doc)
				if err != nil {
					return fmt.Errorf("encode %s: %w", m.Path, err)
				}
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, BuildCollectionKey(collection), id)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watch...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("Redis document transaction retry", "attempt", attempt+1, "mutations", len(mutations))
	}
	return ErrTxConflict
}

// GetOnce 读取文档
func (s *Store) GetOnce(ctx context.Context, path string) (*backend.Document, error) {
	data, err := s.client.Get(ctx, BuildDocKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
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

// QueryOnce 读取集合索引后 MGET 全部文档，在本地过滤谓词
func (s *Store) QueryOnce(ctx context.Context, collection string, preds ...backend.Predicate) ([]backend.Document, error) {
	ids, err := s.client.SMembers(ctx, BuildCollectionKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = backend.Join(collection, id)
		keys[i] = BuildDocKey(paths[i])
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var docs []backend.Document
	for i, result := range results {
		if result == nil {
			// 索引中残留的已删除文档
			continue
		}
		str, ok := result.(string)
		if !ok {
			continue
		}
		fields, err := backend.DecodeFields([]byte(str))
		if err != nil {
			s.logger.Warn("Failed to decode document", "path", paths[i], "error", err)
			continue
		}
		if backend.MatchAll(fields, preds) {
			docs = append(docs, backend.NewDocument(paths[i], fields))
		}
	}
	backend.SortByPath(docs)
	return docs, nil
}

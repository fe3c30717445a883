package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// runKeyTTL 单次运行列表的过期时间
const runKeyTTL = 24 * time.Hour

// RedisLogger 把审计条目以 JSON 形式追加到 Redis 列表。
//
// 键布局：
//   - <prefix>:entries       全局列表
//   - <prefix>:run:<run_id>  单次运行列表，过期时间 runKeyTTL
//
// 列表长度都被裁剪到 maxSize，最旧的条目先被丢弃。
type RedisLogger struct {
	client  redis.UniversalClient
	prefix  string
	key     string
	maxSize int64
	logger  *zap.Logger
}

// NewRedisLogger 创建 Redis 审计日志记录器
func NewRedisLogger(client redis.UniversalClient, keyPrefix string, maxSize int, logger *zap.Logger) *RedisLogger {
	if keyPrefix == "" {
		keyPrefix = "guardflow:audit"
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLogger{
		client:  client,
		prefix:  keyPrefix,
		key:     keyPrefix + ":entries",
		maxSize: int64(maxSize),
		logger:  logger.With(zap.String("component", "audit_redis")),
	}
}

// Log 记录审计日志
func (l *RedisLogger) Log(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.key, data)
	pipe.LTrim(ctx, l.key, -l.maxSize, -1)
	if entry.RunID != "" {
		runKey := l.runKey(entry.RunID)
		pipe.RPush(ctx, runKey, data)
		pipe.LTrim(ctx, runKey, -l.maxSize, -1)
		pipe.Expire(ctx, runKey, runKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("audit log write failed", zap.String("event", string(entry.EventType)), zap.Error(err))
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query 查询审计日志
func (l *RedisLogger) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	entries, err := l.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Paginate(entries, filter), nil
}

// Count 统计审计日志数量
func (l *RedisLogger) Count(ctx context.Context, filter *Filter) (int, error) {
	entries, err := l.load(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (l *RedisLogger) runKey(runID string) string {
	return l.prefix + ":run:" + runID
}

// load 按 RunID 过滤时只读取该运行的列表
func (l *RedisLogger) load(ctx context.Context, filter *Filter) ([]*Entry, error) {
	key := l.key
	if filter != nil && filter.RunID != "" {
		key = l.runKey(filter.RunID)
	}
	raw, err := l.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit entries: %w", err)
	}

	result := make([]*Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			l.logger.Warn("skipping malformed audit entry", zap.Error(err))
			continue
		}
		if Match(&entry, filter) {
			result = append(result, &entry)
		}
	}
	return result, nil
}

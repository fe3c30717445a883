package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 审计事件类型
type EventType string

const (
	// EventTripwireTriggered Agent 阶段触发 Tripwire
	EventTripwireTriggered EventType = "tripwire_triggered"
	// EventCheckFailed 护栏执行故障
	EventCheckFailed EventType = "check_failed"
	// EventToolRejected 工具护栏 RejectContent
	EventToolRejected EventType = "tool_rejected"
	// EventToolAborted 工具护栏 RaiseException
	EventToolAborted EventType = "tool_aborted"
)

// Entry 审计日志条目。原始内容不落盘，只保存哈希。
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id,omitempty"`
	EventType   EventType `json:"event_type"`
	Stage       string    `json:"stage"`
	Agent       string    `json:"agent,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	Guardrail   string    `json:"guardrail,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	OutputInfo  any       `json:"output_info,omitempty"`
}

// NewEntry 创建带 ID 与时间戳的条目
func NewEntry(eventType EventType, stage string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Stage:     stage,
	}
}

// Filter 审计日志查询过滤器
type Filter struct {
	StartTime  *time.Time
	EndTime    *time.Time
	RunID      string
	EventTypes []EventType
	Stages     []string
	Guardrails []string
	// Limit 返回数量限制，<=0 表示不限
	Limit int
	// Offset 偏移量
	Offset int
}

// Logger 护栏审计日志接口
type Logger interface {
	// Log 记录审计日志
	Log(ctx context.Context, entry *Entry) error
	// Query 查询审计日志，按写入顺序返回
	Query(ctx context.Context, filter *Filter) ([]*Entry, error)
	// Count 统计审计日志数量
	Count(ctx context.Context, filter *Filter) (int, error)
}

// Nop 丢弃所有条目
type Nop struct{}

func (Nop) Log(context.Context, *Entry) error                { return nil }
func (Nop) Query(context.Context, *Filter) ([]*Entry, error) { return []*Entry{}, nil }
func (Nop) Count(context.Context, *Filter) (int, error)      { return 0, nil }

// MemoryLogger 内存审计日志记录器
// 用于测试和开发环境
type MemoryLogger struct {
	entries []*Entry
	maxSize int
	mu      sync.RWMutex
}

// NewMemoryLogger 创建内存审计日志记录器
func NewMemoryLogger(maxSize int) *MemoryLogger {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryLogger{
		entries: make([]*Entry, 0),
		maxSize: maxSize,
	}
}

// Log 记录审计日志
func (l *MemoryLogger) Log(ctx context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 如果达到最大容量，移除最旧的条目
	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}

	l.entries = append(l.entries, entry)
	return nil
}

// Query 查询审计日志
func (l *MemoryLogger) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Paginate(selectMatching(l.entries, filter), filter), nil
}

// Count 统计审计日志数量
func (l *MemoryLogger) Count(ctx context.Context, filter *Filter) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(selectMatching(l.entries, filter)), nil
}

// Entries 获取所有日志条目（用于测试）
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

func selectMatching(entries []*Entry, filter *Filter) []*Entry {
	result := make([]*Entry, 0)
	for _, entry := range entries {
		if Match(entry, filter) {
			result = append(result, entry)
		}
	}
	return result
}

// Paginate 对已过滤的结果应用 Offset / Limit
func Paginate(entries []*Entry, filter *Filter) []*Entry {
	if filter == nil {
		return entries
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return []*Entry{}
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(entries) {
		entries = entries[:filter.Limit]
	}
	return entries
}

// Match 检查条目是否匹配过滤器（不含分页）
func Match(entry *Entry, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.StartTime != nil && entry.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && entry.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.RunID != "" && entry.RunID != filter.RunID {
		return false
	}
	if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, entry.EventType) {
		return false
	}
	if len(filter.Stages) > 0 && !slices.Contains(filter.Stages, entry.Stage) {
		return false
	}
	if len(filter.Guardrails) > 0 && !slices.Contains(filter.Guardrails, entry.Guardrail) {
		return false
	}
	return true
}

// HashContent 计算内容的 SHA256 哈希
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Record 审计条目的数据库模型
type Record struct {
	Seq         uint      `gorm:"primaryKey;autoIncrement"`
	ID          string    `gorm:"size:36;uniqueIndex"`
	Timestamp   time.Time `gorm:"index"`
	RunID       string    `gorm:"size:64;index"`
	EventType   string    `gorm:"size:32;index"`
	Stage       string    `gorm:"size:32"`
	Agent       string    `gorm:"size:128"`
	Tool        string    `gorm:"size:128"`
	Guardrail   string    `gorm:"size:128;index"`
	ContentHash string    `gorm:"size:64"`
	Message     string    `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
	OutputInfo  string    `gorm:"type:text"`
}

// TableName 表名
func (Record) TableName() string {
	return "guardrail_audit_entries"
}

// GormLogger 基于 GORM 的审计日志记录器，支持 sqlite / postgres / mysql
type GormLogger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLogger 创建审计记录器并自动迁移表结构
func NewGormLogger(db *gorm.DB, logger *zap.Logger) (*GormLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &GormLogger{
		db:     db,
		logger: logger.With(zap.String("component", "audit_gorm")),
	}, nil
}

// Log 记录审计日志
func (l *GormLogger) Log(ctx context.Context, entry *Entry) error {
	rec, err := toRecord(entry)
	if err != nil {
		return err
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		l.logger.Error("audit log write failed", zap.String("event", string(entry.EventType)), zap.Error(err))
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query 查询审计日志
func (l *GormLogger) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	q := l.scope(ctx, filter).Order("seq ASC")
	// 部分方言不支持无 LIMIT 的 OFFSET，此时在内存中分页
	pushDown := filter != nil && filter.Limit > 0
	if pushDown {
		q = q.Offset(filter.Offset).Limit(filter.Limit)
	}

	var records []Record
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}

	result := make([]*Entry, 0, len(records))
	for i := range records {
		result = append(result, fromRecord(&records[i]))
	}
	if !pushDown {
		result = Paginate(result, filter)
	}
	return result, nil
}

// Count 统计审计日志数量
func (l *GormLogger) Count(ctx context.Context, filter *Filter) (int, error) {
	var n int64
	if err := l.scope(ctx, filter).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return int(n), nil
}

func (l *GormLogger) scope(ctx context.Context, filter *Filter) *gorm.DB {
	q := l.db.WithContext(ctx).Model(&Record{})
	if filter == nil {
		return q
	}
	if filter.StartTime != nil {
		q = q.Where("timestamp >= ?", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		q = q.Where("timestamp <= ?", filter.EndTime.UTC())
	}
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		q = q.Where("event_type IN ?", types)
	}
	if len(filter.Stages) > 0 {
		q = q.Where("stage IN ?", filter.Stages)
	}
	if len(filter.Guardrails) > 0 {
		q = q.Where("guardrail IN ?", filter.Guardrails)
	}
	return q
}

func toRecord(entry *Entry) (*Record, error) {
	info := ""
	if entry.OutputInfo != nil {
		data, err := json.Marshal(entry.OutputInfo)
		if err != nil {
			return nil, fmt.Errorf("marshal output info: %w", err)
		}
		info = string(data)
	}
	return &Record{
		ID:          entry.ID,
		Timestamp:   entry.Timestamp.UTC(),
		RunID:       entry.RunID,
		EventType:   string(entry.EventType),
		Stage:       entry.Stage,
		Agent:       entry.Agent,
		Tool:        entry.Tool,
		Guardrail:   entry.Guardrail,
		ContentHash: entry.ContentHash,
		Message:     entry.Message,
		Error:       entry.Error,
		OutputInfo:  info,
	}, nil
}

func fromRecord(rec *Record) *Entry {
	entry := &Entry{
		ID:          rec.ID,
		Timestamp:   rec.Timestamp,
		RunID:       rec.RunID,
		EventType:   EventType(rec.EventType),
		Stage:       rec.Stage,
		Agent:       rec.Agent,
		Tool:        rec.Tool,
		Guardrail:   rec.Guardrail,
		ContentHash: rec.ContentHash,
		Message:     rec.Message,
		Error:       rec.Error,
	}
	if rec.OutputInfo != "" {
		var info any
		if err := json.Unmarshal([]byte(rec.OutputInfo), &info); err == nil {
			entry.OutputInfo = info
		}
	}
	return entry
}

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/guardflow/config"
)

// Closer 释放审计后端持有的连接
type Closer func() error

// Open 根据配置创建审计记录器
func Open(cfg config.AuditConfig, logger *zap.Logger) (Logger, Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "none":
		return Nop{}, noop, nil

	case "memory":
		return NewMemoryLogger(cfg.MaxEntries), noop, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("audit backend initialized", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
		return NewRedisLogger(client, cfg.Redis.KeyPrefix, cfg.MaxEntries, logger), client.Close, nil

	case "database":
		dialector, err := dialectorFor(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		l, err := NewGormLogger(db, logger)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		logger.Info("audit backend initialized", zap.String("backend", "database"), zap.String("driver", cfg.Database.Driver))
		return l, sqlDB.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

func dialectorFor(db config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := db.DSN()
	switch db.Driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported audit database driver %q", db.Driver)
	}
}

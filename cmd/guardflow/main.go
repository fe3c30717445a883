// =============================================================================
// GuardFlow 主入口
// =============================================================================
// 护栏执行引擎的命令行入口，运行一个带输入 / 输出 / 工具护栏的演示 Agent
//
// 使用方法:
//
//	guardflow run --input "Solve 2x + 3 = 11"   # 运行演示流水线
//	guardflow run --config config.yaml          # 指定配置文件
//	guardflow run --metrics                     # 运行后输出指标快照
//	guardflow version                           # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/guardflow/agent"
	"github.com/BaSui01/guardflow/agent/audit"
	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runDemo(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

// runOutput run 命令的 JSON 输出
type runOutput struct {
	Result *agent.RunResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   types.ErrorCode  `json:"code,omitempty"`
}

func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	input := fs.String("input", "What is the capital of France?", "User input for the demo agent")
	dumpMetrics := fs.Bool("metrics", false, "Print a Prometheus text snapshot to stderr after the run")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting GuardFlow demo",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	auditLogger, closeAudit, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		logger.Error("failed to open audit backend", zap.Error(err))
		return 1
	}
	defer closeAudit()

	opts := []agent.CoordinatorOption{
		agent.WithLogger(logger),
		agent.WithTracer(providers.Tracer()),
		agent.WithMeter(providers.Meter()),
		agent.WithAuditLogger(auditLogger),
	}
	// 每次运行独立的注册表，--metrics 时输出快照
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		opts = append(opts, agent.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)))
	}
	coordinator := agent.NewCoordinator(cfg.Guardrails, opts...)

	demo, err := newDemoAgent()
	if err != nil {
		logger.Error("failed to build demo agent", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := coordinator.Run(ctx, demo, guardrails.TextPayload(*input))

	out := runOutput{Result: result}
	if runErr != nil {
		out.Error = runErr.Error()
		out.Code = types.GetErrorCode(runErr)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to encode result", zap.Error(err))
		return 1
	}

	if *dumpMetrics {
		if !cfg.Metrics.Enabled {
			logger.Warn("metrics disabled in config, snapshot is empty")
		}
		if err := writeMetrics(stderr, registry); err != nil {
			logger.Error("failed to write metrics snapshot", zap.Error(err))
			return 1
		}
	}

	switch {
	case runErr == nil:
		return 0
	case guardrails.IsTripwire(runErr):
		return 2
	default:
		return 1
	}
}

// writeMetrics 以 Prometheus 文本格式输出注册表中的全部指标
func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("GuardFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`GuardFlow - guardrail execution engine

Usage:
  guardflow <command> [options]

Commands:
  run       Run the demo agent through its guardrails
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>   Path to configuration file (YAML)
  --input <text>    User input for the demo agent
  --metrics         Print a Prometheus metrics snapshot to stderr after the run

Exit codes for 'run':
  0  completed
  1  error
  2  a guardrail tripwire was triggered

Examples:
  guardflow run --input "Solve 2x + 3 = 11"
  guardflow run --config /etc/guardflow/config.yaml
  guardflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

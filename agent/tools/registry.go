package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/agent/guardrails"
)

// InvokeFunc 工具的真实执行函数
type InvokeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool 一个可被 Agent 调用的工具，以及它自己的输入 / 输出护栏。
// 护栏按切片顺序注册，顺序决定 Tripwire 的归属。
type Tool struct {
	Name        string
	Description string

	// InputGuardrails 工具执行前检查参数
	InputGuardrails []guardrails.ToolGuardrail
	// OutputGuardrails 工具执行后检查输出
	OutputGuardrails []guardrails.ToolGuardrail

	// Invoke 真实执行函数
	Invoke InvokeFunc
	// Timeout 单次执行超时，0 表示不限
	Timeout time.Duration
}

// Validate 校验工具定义
func (t *Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tool %q has nil invoke function", t.Name)
	}
	if err := guardrails.ValidateUnits(guardrails.StageToolInput, t.InputGuardrails); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	if err := guardrails.ValidateUnits(guardrails.StageToolOutput, t.OutputGuardrails); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	return nil
}

// Registry 工具注册中心，并发安全
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *zap.Logger
}

// NewRegistry 创建工具注册中心
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register 注册工具，名称重复时报错
func (r *Registry) Register(tool Tool) error {
	if err := tool.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	t := tool
	r.tools[tool.Name] = &t

	r.logger.Info("tool registered",
		zap.String("name", tool.Name),
		zap.Int("input_guardrails", len(tool.InputGuardrails)),
		zap.Int("output_guardrails", len(tool.OutputGuardrails)))
	return nil
}

// Unregister 注销工具
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(r.tools, name)

	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

// Get 按名称获取工具
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has 是否已注册
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names 返回按字母排序的工具名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

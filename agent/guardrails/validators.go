package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Validator 基于文本内容的校验器接口。
// 通过 FromValidator 可以把任意 Validator 接入护栏阶段。
type Validator interface {
	// Validate 执行验证，返回验证结果
	Validate(ctx context.Context, content string) (*ValidationResult, error)
	// Name 返回验证器名称
	Name() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Tripwire bool              `json:"tripwire,omitempty"` // 显式要求中断
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// NewValidationResult 创建一个有效的验证结果
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []string{},
		Metadata: make(map[string]any),
	}
}

// AddError 添加验证错误并将结果标记为无效
func (r *ValidationResult) AddError(err ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// AddWarning 添加警告信息
func (r *ValidationResult) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// ValidationError 验证错误
type ValidationError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // critical, high, medium, low
}

// Severity 常量定义
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Error 错误代码常量
const (
	ErrCodeMaxLengthExceeded = "MAX_LENGTH_EXCEEDED"
	ErrCodeBlockedKeyword    = "BLOCKED_KEYWORD"
	ErrCodePatternMatched    = "PATTERN_MATCHED"
)

// FromValidator 把 Validator 适配为 Agent 级护栏。
// 结果无效（Valid=false）或显式 Tripwire 时触发；ValidationResult 作为 OutputInfo 保留。
func FromValidator(v Validator) Guardrail {
	return Guardrail{
		Name: v.Name(),
		Check: func(ctx context.Context, ec ExecutionContext) (CheckResult, error) {
			content := ""
			if ec.Payload != nil {
				content = ec.Payload.Text()
			}
			res, err := v.Validate(ctx, content)
			if err != nil {
				return CheckResult{}, err
			}
			if res == nil {
				return Pass(nil), nil
			}
			return CheckResult{OutputInfo: res, TripwireTriggered: res.Tripwire || !res.Valid}, nil
		},
	}
}

// FromValidatorForTool 把 Validator 适配为工具级护栏，触发时采用给定决策
func FromValidatorForTool(v Validator, onFail ToolBehavior, message string) ToolGuardrail {
	return ToolGuardrail{
		Name: v.Name(),
		Check: func(ctx context.Context, ec ExecutionContext) (ToolCheckResult, error) {
			content := ""
			if ec.Payload != nil {
				content = ec.Payload.Text()
			}
			res, err := v.Validate(ctx, content)
			if err != nil {
				return ToolCheckResult{}, err
			}
			if res == nil || (res.Valid && !res.Tripwire) {
				return Allow(res), nil
			}
			return ToolCheckResult{Behavior: onFail, Message: message, OutputInfo: res}, nil
		},
	}
}

// LengthValidator 长度验证器，按 rune 计数
type LengthValidator struct {
	name      string
	maxLength int
}

// NewLengthValidator 创建长度验证器
func NewLengthValidator(name string, maxLength int) *LengthValidator {
	if name == "" {
		name = "length_validator"
	}
	return &LengthValidator{name: name, maxLength: maxLength}
}

// Name 返回验证器名称
func (v *LengthValidator) Name() string { return v.name }

// Validate 执行长度验证
func (v *LengthValidator) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	contentLen := len([]rune(content))
	if v.maxLength <= 0 || contentLen <= v.maxLength {
		return result, nil
	}

	result.Metadata["original_length"] = contentLen
	result.Metadata["max_length"] = v.maxLength
	result.Metadata["exceeded_by"] = contentLen - v.maxLength
	result.AddError(ValidationError{
		Code:     ErrCodeMaxLengthExceeded,
		Message:  fmt.Sprintf("输入长度 %d 超过最大限制 %d", contentLen, v.maxLength),
		Severity: SeverityHigh,
	})
	return result, nil
}

// KeywordMatch 关键词匹配结果
type KeywordMatch struct {
	Keyword  string `json:"keyword"`
	Position int    `json:"position"`
}

// KeywordValidatorConfig 关键词验证器配置
type KeywordValidatorConfig struct {
	// Name 验证器名称
	Name string
	// BlockedKeywords 禁止的关键词列表
	BlockedKeywords []string
	// CaseSensitive 是否区分大小写
	CaseSensitive bool
	// Severity 命中时的严重级别
	Severity string
}

// KeywordValidator 关键词验证器
type KeywordValidator struct {
	name          string
	keywords      []string
	caseSensitive bool
	severity      string
}

// NewKeywordValidator 创建关键词验证器
func NewKeywordValidator(config KeywordValidatorConfig) *KeywordValidator {
	name := config.Name
	if name == "" {
		name = "keyword_validator"
	}
	severity := config.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	return &KeywordValidator{
		name:          name,
		keywords:      append([]string(nil), config.BlockedKeywords...),
		caseSensitive: config.CaseSensitive,
		severity:      severity,
	}
}

// Name 返回验证器名称
func (v *KeywordValidator) Name() string { return v.name }

// Validate 执行关键词验证
func (v *KeywordValidator) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()

	matches := v.Detect(content)
	if len(matches) == 0 {
		return result, nil
	}

	result.Metadata["keyword_matches"] = matches
	result.Metadata["keyword_count"] = len(matches)
	result.AddError(ValidationError{
		Code:     ErrCodeBlockedKeyword,
		Message:  fmt.Sprintf("检测到禁止的关键词: %s", matches[0].Keyword),
		Severity: v.severity,
	})
	return result, nil
}

// Detect 检测内容中的所有禁止关键词
func (v *KeywordValidator) Detect(content string) []KeywordMatch {
	var matches []KeywordMatch

	searchContent := content
	if !v.caseSensitive {
		searchContent = strings.ToLower(content)
	}

	for _, keyword := range v.keywords {
		if keyword == "" {
			continue
		}
		searchKeyword := keyword
		if !v.caseSensitive {
			searchKeyword = strings.ToLower(keyword)
		}

		startPos := 0
		for {
			idx := strings.Index(searchContent[startPos:], searchKeyword)
			if idx == -1 {
				break
			}
			actualPos := startPos + idx
			matches = append(matches, KeywordMatch{Keyword: keyword, Position: actualPos})
			startPos = actualPos + len(searchKeyword)
		}
	}

	return matches
}

// PatternValidator 正则验证器，任一模式命中即视为无效
type PatternValidator struct {
	name     string
	patterns []*regexp.Regexp
}

// NewPatternValidator 创建正则验证器
func NewPatternValidator(name string, patterns ...string) (*PatternValidator, error) {
	if name == "" {
		name = "pattern_validator"
	}
	v := &PatternValidator{name: name}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
	}
	return v, nil
}

// Name 返回验证器名称
func (v *PatternValidator) Name() string { return v.name }

// Validate 执行正则验证
func (v *PatternValidator) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()
	for _, re := range v.patterns {
		if loc := re.FindStringIndex(content); loc != nil {
			result.Metadata["pattern"] = re.String()
			result.Metadata["position"] = loc[0]
			result.AddError(ValidationError{
				Code:     ErrCodePatternMatched,
				Message:  fmt.Sprintf("内容命中模式 %s", re.String()),
				Severity: SeverityMedium,
			})
			return result, nil
		}
	}
	return result, nil
}

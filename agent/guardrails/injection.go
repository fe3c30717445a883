package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrCodeInjectionDetected 命中提示注入模式
const ErrCodeInjectionDetected = "INJECTION_DETECTED"

type injectionRule struct {
	re          *regexp.Regexp
	description string
	severity    string
}

func injectionPattern(pattern, description, severity string) injectionRule {
	return injectionRule{re: regexp.MustCompile(pattern), description: description, severity: severity}
}

var defaultInjectionRules = []injectionRule{
	// 指令覆盖
	injectionPattern(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`, "ignore previous instructions", SeverityCritical),
	injectionPattern(`(?i)disregard\s+(all\s+)?(previous|prior|above|the\s+above)\s*(instructions?|prompts?|rules?)?`, "disregard instructions", SeverityCritical),
	injectionPattern(`(?i)forget\s+(everything|all)\s+(you\s+)?(know|were\s+told)`, "forget context", SeverityCritical),
	injectionPattern(`忽略(之前|上面|以上|先前|前面)(的)?(指令|指示|规则|提示|要求)`, "忽略之前的指令", SeverityCritical),
	injectionPattern(`不要(遵守|遵循|听从)(之前|上面|以上|任何)(的)?(指令|指示|规则)?`, "不遵守指令", SeverityCritical),
	// 角色操纵
	injectionPattern(`(?i)you\s+are\s+now\s+(a|an|the)\b`, "role change", SeverityHigh),
	injectionPattern(`(?i)pretend\s+(to\s+be|you\s+are)\b`, "pretend role", SeverityMedium),
	injectionPattern(`从现在开始(你是|你要|你将)`, "改变模型行为", SeverityHigh),
	// 角色标记与分隔符逃逸
	injectionPattern(`(?im)^\s*system\s*:`, "system role marker", SeverityCritical),
	injectionPattern(`(?i)<\s*/?\s*system\s*>`, "system tag", SeverityCritical),
	injectionPattern(`(?i)\[\s*/?INST\s*\]`, "instruction tag", SeverityHigh),
	injectionPattern(`(?i)(---+|===+)\s*(system|instructions?)\s*(---+|===+)`, "delimiter injection", SeverityHigh),
	injectionPattern("(?i)(\"\"\"|```)\\s*(system|instructions)", "quote delimiter escape", SeverityHigh),
	// 越狱
	injectionPattern(`(?i)\bjailbreak\b`, "jailbreak", SeverityCritical),
	injectionPattern(`(?i)do\s+anything\s+now`, "DAN jailbreak", SeverityCritical),
}

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// InjectionMatch 注入命中
type InjectionMatch struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Position    int    `json:"position"`
	Text        string `json:"text"`
}

// InjectionDetector 基于规则的提示注入检测器，实现 Validator
type InjectionDetector struct {
	name        string
	rules       []injectionRule
	minSeverity string
}

// InjectionOption 检测器选项
type InjectionOption func(*InjectionDetector) error

// WithInjectionPatterns 追加自定义模式（大小写不敏感）
func WithInjectionPatterns(patterns ...string) InjectionOption {
	return func(d *InjectionDetector) error {
		for _, p := range patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return fmt.Errorf("invalid injection pattern %q: %w", p, err)
			}
			d.rules = append(d.rules, injectionRule{re: re, description: "custom pattern", severity: SeverityHigh})
		}
		return nil
	}
}

// WithMinSeverity 低于该级别的命中只记为警告
func WithMinSeverity(severity string) InjectionOption {
	return func(d *InjectionDetector) error {
		if _, ok := severityRank[severity]; !ok {
			return fmt.Errorf("unknown severity %q", severity)
		}
		d.minSeverity = severity
		return nil
	}
}

// WithInjectionName 覆盖护栏名称
func WithInjectionName(name string) InjectionOption {
	return func(d *InjectionDetector) error {
		d.name = name
		return nil
	}
}

// NewInjectionDetector 创建检测器
func NewInjectionDetector(opts ...InjectionOption) (*InjectionDetector, error) {
	d := &InjectionDetector{
		name:        "injection_detector",
		rules:       append([]injectionRule(nil), defaultInjectionRules...),
		minSeverity: SeverityLow,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Name 实现 Validator
func (d *InjectionDetector) Name() string { return d.name }

// Detect 返回全部命中，按位置排序
func (d *InjectionDetector) Detect(content string) []InjectionMatch {
	var matches []InjectionMatch
	for _, r := range d.rules {
		for _, loc := range r.re.FindAllStringIndex(content, -1) {
			matches = append(matches, InjectionMatch{
				Description: r.description,
				Severity:    r.severity,
				Position:    loc[0],
				Text:        content[loc[0]:loc[1]],
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Position < matches[j].Position })
	return matches
}

// Validate 实现 Validator。
// 达到最低级别的命中使结果无效，并以最高级别作为错误严重度。
func (d *InjectionDetector) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()
	matches := d.Detect(content)
	if len(matches) == 0 {
		return result, nil
	}
	result.Metadata["injection_matches"] = matches

	highest := ""
	var descriptions []string
	seen := make(map[string]bool)
	for _, m := range matches {
		if severityRank[m.Severity] < severityRank[d.minSeverity] {
			result.AddWarning("low severity injection pattern: " + m.Description)
			continue
		}
		if severityRank[m.Severity] > severityRank[highest] {
			highest = m.Severity
		}
		if !seen[m.Description] {
			seen[m.Description] = true
			descriptions = append(descriptions, m.Description)
		}
	}
	if highest == "" {
		return result, nil
	}
	result.AddError(ValidationError{
		Code:     ErrCodeInjectionDetected,
		Message:  "检测到提示注入: " + strings.Join(descriptions, "; "),
		Severity: highest,
	})
	return result, nil
}

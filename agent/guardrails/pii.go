package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PIIKind 个人身份信息类别
type PIIKind string

const (
	PIIPhone    PIIKind = "phone"
	PIIEmail    PIIKind = "email"
	PIIIDCard   PIIKind = "id_card"
	PIIBankCard PIIKind = "bank_card"
)

// ErrCodePIIDetected 命中个人身份信息
const ErrCodePIIDetected = "PII_DETECTED"

// 顺序即重叠时的优先级
var defaultPIIKinds = []PIIKind{PIIIDCard, PIIBankCard, PIIPhone, PIIEmail}

var piiPatterns = map[PIIKind]*regexp.Regexp{
	// 中国大陆手机号
	PIIPhone:  regexp.MustCompile(`1[3-9]\d{9}`),
	PIIEmail:  regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	PIIIDCard: regexp.MustCompile(`[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]`),
	// 16-19 位卡号
	PIIBankCard: regexp.MustCompile(`\d{16,19}`),
}

// PIIMatch 单个命中
type PIIMatch struct {
	Kind   PIIKind `json:"kind"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Masked string  `json:"masked"`
}

// PIIScanner 扫描并脱敏个人身份信息，实现 Validator。
// 并发安全，可以在多个阶段间共享。
type PIIScanner struct {
	name  string
	kinds []PIIKind
}

// NewPIIScanner 创建扫描器，kinds 为空时启用全部类别
func NewPIIScanner(kinds ...PIIKind) (*PIIScanner, error) {
	if len(kinds) == 0 {
		kinds = defaultPIIKinds
	}
	s := &PIIScanner{name: "pii_scanner"}
	for _, k := range defaultPIIKinds {
		for _, want := range kinds {
			if want == k {
				s.kinds = append(s.kinds, k)
				break
			}
		}
	}
	for _, want := range kinds {
		if _, ok := piiPatterns[want]; !ok {
			return nil, fmt.Errorf("unknown pii kind %q", want)
		}
	}
	return s, nil
}

// Name 实现 Validator
func (s *PIIScanner) Name() string { return s.name }

// Scan 返回按位置排序且互不重叠的命中
func (s *PIIScanner) Scan(content string) []PIIMatch {
	type candidate struct {
		PIIMatch
		rank int
	}
	var all []candidate
	for rank, k := range s.kinds {
		for _, loc := range piiPatterns[k].FindAllStringIndex(content, -1) {
			all = append(all, candidate{
				PIIMatch: PIIMatch{Kind: k, Start: loc[0], End: loc[1], Masked: maskPII(k, content[loc[0]:loc[1]])},
				rank:     rank,
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.rank < b.rank
	})

	var out []PIIMatch
	end := -1
	for _, c := range all {
		if c.Start < end {
			continue
		}
		out = append(out, c.PIIMatch)
		end = c.End
	}
	return out
}

// Redact 返回脱敏后的内容
func (s *PIIScanner) Redact(content string) string {
	matches := s.Scan(content)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(content[last:m.Start])
		b.WriteString(m.Masked)
		last = m.End
	}
	b.WriteString(content[last:])
	return b.String()
}

// Validate 实现 Validator：命中任意 PII 即无效
func (s *PIIScanner) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()
	matches := s.Scan(content)
	if len(matches) == 0 {
		return result, nil
	}

	counts := make(map[PIIKind]int)
	for _, m := range matches {
		counts[m.Kind]++
	}
	for _, k := range s.kinds {
		if n := counts[k]; n > 0 {
			result.AddError(ValidationError{
				Code:     ErrCodePIIDetected,
				Message:  fmt.Sprintf("检测到 %d 处 %s", n, k),
				Severity: SeverityHigh,
			})
		}
	}
	result.Metadata["pii_matches"] = matches
	result.Metadata["redacted"] = s.Redact(content)
	return result, nil
}

// RedactToolOutput 工具输出护栏：结果含 PII 时以脱敏文本替代原结果，运行继续
func RedactToolOutput(s *PIIScanner) ToolGuardrail {
	return ToolGuardrail{
		Name: s.Name(),
		Check: func(ctx context.Context, ec ExecutionContext) (ToolCheckResult, error) {
			if ec.Payload == nil {
				return Allow(nil), nil
			}
			text := ec.Payload.Text()
			matches := s.Scan(text)
			if len(matches) == 0 {
				return Allow(nil), nil
			}
			return RejectContent(s.Redact(text), matches), nil
		},
		When: func(ec ExecutionContext) bool { return ec.Stage == StageToolOutput },
	}
}

func maskPII(kind PIIKind, v string) string {
	switch kind {
	case PIIPhone:
		return v[:3] + "****" + v[len(v)-4:]
	case PIIEmail:
		if at := strings.IndexByte(v, '@'); at > 0 {
			return v[:1] + "***" + v[at:]
		}
	case PIIIDCard:
		return v[:6] + strings.Repeat("*", len(v)-10) + v[len(v)-4:]
	case PIIBankCard:
		return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
	}
	return strings.Repeat("*", len(v))
}

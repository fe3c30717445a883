package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/guardflow/agent"
	"github.com/BaSui01/guardflow/agent/guardrails"
	"github.com/BaSui01/guardflow/agent/tools"
	"github.com/BaSui01/guardflow/types"
)

const lookupTool = "lookup_customer"

// newDemoAgent 构建演示 Agent：
// 输入拦截数学作业与提示注入，输出拦截任何数字，
// 工具参数拦截 SQL 关键词，工具结果中的 PII 被脱敏。
func newDemoAgent() (*agent.Agent, error) {
	homework, err := guardrails.NewPatternValidator("math_homework", `\d+\s*[a-z]\s*[-+*/=]\s*\d+`)
	if err != nil {
		return nil, err
	}
	digits, err := guardrails.NewPatternValidator("no_digits", `\d`)
	if err != nil {
		return nil, err
	}
	injection, err := guardrails.NewInjectionDetector()
	if err != nil {
		return nil, err
	}
	pii, err := guardrails.NewPIIScanner()
	if err != nil {
		return nil, err
	}
	sql := guardrails.NewKeywordValidator(guardrails.KeywordValidatorConfig{
		Name:            "sql_keywords",
		BlockedKeywords: []string{"drop table", "delete from"},
		Severity:        guardrails.SeverityHigh,
	})

	lookup := tools.Tool{
		Name:        lookupTool,
		Description: "Look up the customer that owns the current conversation",
		InputGuardrails: []guardrails.ToolGuardrail{
			guardrails.FromValidatorForTool(injection, guardrails.ToolRaiseException, ""),
			guardrails.FromValidatorForTool(sql, guardrails.ToolRejectContent, "query refused by policy"),
		},
		OutputGuardrails: []guardrails.ToolGuardrail{
			guardrails.RedactToolOutput(pii),
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			return `{"name":"Alice","email":"alice@example.com"}`, nil
		},
	}

	a := &agent.Agent{
		Name: "support",
		InputGuardrails: []guardrails.Guardrail{
			guardrails.FromValidator(homework),
			guardrails.FromValidator(injection),
		},
		OutputGuardrails: []guardrails.Guardrail{
			guardrails.FromValidator(digits),
		},
		Tools:       []tools.Tool{lookup},
		Computation: agent.ComputationFunc(answer),
	}
	return a, a.Validate()
}

// answer 查询客户信息并复述问题
func answer(ctx context.Context, input guardrails.Payload, scope *agent.RunScope) (agent.Result, error) {
	question := strings.TrimSpace(input.Text())
	args, err := json.Marshal(map[string]string{"query": question})
	if err != nil {
		return agent.Result{}, err
	}

	d, err := scope.CallTool(ctx, types.ToolCall{Name: lookupTool, Arguments: args})
	if err != nil {
		return agent.Result{}, err
	}
	// 脱敏后的结果同样以拒绝内容送达，仍是合法 JSON
	var customer struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal([]byte(d.Content), &customer); err != nil || customer.Name == "" {
		return agent.Result{Output: fmt.Sprintf("You asked: %s. Customer lookup unavailable: %s", question, d.Content)}, nil
	}
	return agent.Result{Output: fmt.Sprintf("You asked: %s. Account owner: %s <%s>", question, customer.Name, customer.Email)}, nil
}

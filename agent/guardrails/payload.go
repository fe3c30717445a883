package guardrails

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

// PayloadKind 载荷类型标签
type PayloadKind string

const (
	PayloadKindText       PayloadKind = "text"
	PayloadKindItems      PayloadKind = "items"
	PayloadKindToolCall   PayloadKind = "tool_call"
	PayloadKindToolResult PayloadKind = "tool_result"
	PayloadKindOutput     PayloadKind = "output"
)

// Payload 是护栏检查的输入载荷。
// 这是一个封闭的联合类型：只有本包中定义的变体实现了该接口，
// 因此对 Payload 的 type switch 可以做到穷尽。
type Payload interface {
	// Kind 返回载荷类型
	Kind() PayloadKind
	// Text 返回载荷的文本表示，便于基于字符串的检查
	Text() string

	clone() Payload
}

// TextPayload 纯文本输入
type TextPayload string

func (p TextPayload) Kind() PayloadKind { return PayloadKindText }
func (p TextPayload) Text() string      { return string(p) }
func (p TextPayload) clone() Payload    { return p }

// ItemsPayload 结构化消息列表输入
type ItemsPayload []types.Message

func (p ItemsPayload) Kind() PayloadKind { return PayloadKindItems }

// Text 按顺序拼接各条消息内容，以换行分隔
func (p ItemsPayload) Text() string {
	parts := make([]string, 0, len(p))
	for _, m := range p {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func (p ItemsPayload) clone() Payload {
	if p == nil {
		return ItemsPayload(nil)
	}
	out := make(ItemsPayload, len(p))
	for i, m := range p {
		out[i] = m
		if m.ToolCalls != nil {
			out[i].ToolCalls = make([]types.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				out[i].ToolCalls[j] = tc
				out[i].ToolCalls[j].Arguments = cloneRaw(tc.Arguments)
			}
		}
		if m.Images != nil {
			out[i].Images = append([]types.ImageContent(nil), m.Images...)
		}
	}
	return out
}

// ToolCallPayload 工具调用参数（工具输入阶段）
type ToolCallPayload struct {
	ToolName  string          `json:"tool_name"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (p ToolCallPayload) Kind() PayloadKind { return PayloadKindToolCall }
func (p ToolCallPayload) Text() string      { return string(p.Arguments) }

func (p ToolCallPayload) clone() Payload {
	p.Arguments = cloneRaw(p.Arguments)
	return p
}

// ToolResultPayload 工具返回值（工具输出阶段）
type ToolResultPayload struct {
	Call   ToolCallPayload `json:"call"`
	Output string          `json:"output"`
}

func (p ToolResultPayload) Kind() PayloadKind { return PayloadKindToolResult }
func (p ToolResultPayload) Text() string      { return p.Output }

func (p ToolResultPayload) clone() Payload {
	p.Call = p.Call.clone().(ToolCallPayload)
	return p
}

// OutputPayload Agent 的最终输出（输出阶段）。
// Value 可以是任意结构化结果。克隆按 JSON 语义深拷贝并保留具体类型，
// 无法序列化的值（如 channel、func）和带未导出字段的结构体直接共享。
type OutputPayload struct {
	Value any `json:"value"`
}

func (p OutputPayload) Kind() PayloadKind { return PayloadKindOutput }

func (p OutputPayload) Text() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func (p OutputPayload) clone() Payload {
	p.Value = cloneValue(p.Value)
	return p
}

// cloneValue 深拷贝任意值（通过 JSON 序列化/反序列化），失败时返回原值
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	rt := reflect.TypeOf(v)
	switch rt.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer, reflect.Struct, reflect.Interface:
	default:
		// 标量按值传递
		return v
	}
	if hasUnexportedFields(rt) {
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	copied := reflect.New(rt)
	if err := json.Unmarshal(data, copied.Interface()); err != nil {
		return v
	}
	return copied.Elem().Interface()
}

func hasUnexportedFields(rt reflect.Type) bool {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < rt.NumField(); i++ {
		if !rt.Field(i).IsExported() {
			return true
		}
	}
	return false
}

// ClonePayload 返回载荷的深拷贝，nil 安全
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.clone()
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

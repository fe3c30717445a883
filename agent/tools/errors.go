package tools

import (
	"fmt"

	"github.com/BaSui01/guardflow/types"
)

// ErrToolNotFound 调用了未注册的工具
var ErrToolNotFound = types.NewError(types.ErrToolNotFound, "tool not found")

// ToolExecutionError 工具本身执行失败（区别于护栏故障）
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

// Error 实现 error 接口
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (call %s) failed: %v", e.Tool, e.CallID, e.Err)
}

// Unwrap 返回底层错误
func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// Code 返回统一错误码
func (e *ToolExecutionError) Code() types.ErrorCode {
	return types.ErrToolExecution
}

// Package errors 模块向 state 上报失败所用的错误类型
package errors

import (
	"errors"
	"fmt"
)

// ModuleError 流水线模块产生的错误
// Critical 为 true 时中止整个配方，否则只记录
type ModuleError struct {
	Message  string
	Name     string
	Critical bool
	Cause    error
}

// New 为指定模块创建 ModuleError
func New(name, message string, critical bool) *ModuleError {
	return &ModuleError{Name: name, Message: message, Critical: critical}
}

// Wrap 创建保留 cause 的 ModuleError，便于 errors.Is / errors.As
func Wrap(name, message string, critical bool, cause error) *ModuleError {
	return &ModuleError{Name: name, Message: message, Critical: critical, Cause: cause}
}

func (e *ModuleError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *ModuleError) Unwrap() error {
	return e.Cause
}

// IsCritical err 中是否带有 critical 的 ModuleError
func IsCritical(err error) bool {
	var me *ModuleError
	if errors.As(err, &me) {
		return me.Critical
	}
	return false
}

// AsModuleError 从 err 中取出 ModuleError
func AsModuleError(err error) (*ModuleError, bool) {
	var me *ModuleError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

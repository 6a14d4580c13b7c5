// 本文件用于统一错误分类 便于上层按类别决定隔离 记录或拒绝
package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict 唯一键冲突
	ErrConflict = errors.New("record already exists")
)

// ValidationError 结构化输入非法 在任何副作用之前拒绝
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NewValidationError 构造校验错误
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ExternalDependencyError 外部依赖调用失败 按调用隔离
type ExternalDependencyError struct {
	Dependency string
	Op         string
	Err        error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Dependency, e.Op, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error {
	return e.Err
}

// NewExternalError 包装外部依赖错误
func NewExternalError(dependency, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalDependencyError{Dependency: dependency, Op: op, Err: err}
}

// PersistenceError 数据写入失败 记录后继续处理
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError 包装存储错误
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsExternal 判断是否为外部依赖错误
func IsExternal(err error) bool {
	var target *ExternalDependencyError
	return errors.As(err, &target)
}

// IsPersistence 判断是否为存储错误
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"

	// LLM 调用失败（单次循环迭代内可恢复）
	CodeLLMTransport ErrorCode = "LLM_TRANSPORT"
	CodeLLMAPI       ErrorCode = "LLM_API"
	CodeLLMDecoding  ErrorCode = "LLM_DECODING"

	// 工具执行相关
	CodeToolExecution ErrorCode = "TOOL_EXECUTION"
	CodeToolArgParse  ErrorCode = "TOOL_ARG_PARSE"

	// 认知管线
	CodeGateExhausted ErrorCode = "GATE_EXHAUSTED"
	CodeJobValidation ErrorCode = "JOB_VALIDATION"

	// 命令权限 / 频率
	CodePermission ErrorCode = "PERMISSION"
	CodeRateLimit  ErrorCode = "RATE_LIMIT"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int // 对应的 HTTP 状态码
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定错误码的错误
func New(code ErrorCode, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// Wrap 包装底层错误并附加错误码与 HTTP 状态
func Wrap(cause error, code ErrorCode, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: cause}
}

// NewLLMAPIError 创建带 HTTP 状态码的 LLM API 错误
func NewLLMAPIError(status int, body string) *AppError {
	return &AppError{
		Code:    CodeLLMAPI,
		Message: fmt.Sprintf("api error %d: %s", status, body),
		Status:  status,
	}
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// Code 返回错误的错误码，非 AppError 返回 CodeInternal
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// IsJobValidation 判断是否为认知任务校验错误（触发 requeue）
func IsJobValidation(err error) bool {
	return Is(err, CodeJobValidation)
}

// IsPermission 判断是否为权限错误
func IsPermission(err error) bool {
	return Is(err, CodePermission)
}

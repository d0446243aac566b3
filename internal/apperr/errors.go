// Package apperr はアプリケーション共通のエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
)

// エラー種別です。errors.Is で判定します。
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrUnavailable       = errors.New("service unavailable")
)

// Error はクライアントへ返してよいメッセージと内部原因を保持します。
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は種別と原因の両方を返します。
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New は Error を生成します。
func New(kind error, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// InvalidInput は入力不正エラーを生成します。
func InvalidInput(message string) *Error {
	return New(ErrInvalidInput, "INVALID_INPUT", message, nil)
}

// NotFound は対象が存在しない場合のエラーを生成します。
func NotFound(code, message string, cause error) *Error {
	return New(ErrNotFound, code, message, cause)
}

// Upstream は外部処理の失敗を包みます。
func Upstream(message string, cause error) *Error {
	return New(ErrUpstreamFailure, "UPSTREAM_FAILURE", message, cause)
}

// Unavailable は一時的に受け付けられない場合のエラーを生成します。
func Unavailable(code, message string) *Error {
	return New(ErrUnavailable, code, message, nil)
}

// PublicMessage はクライアント向けのメッセージを取り出します。
func PublicMessage(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}

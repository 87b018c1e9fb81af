package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Provider 是单个大模型后端的统一接口。
type Provider interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
}

// Class 是错误的重试分类。
type Class int

const (
	// Transient 表示稍后重试可能成功。
	Transient Class = iota
	// Fatal 表示重试没有意义。
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error 是适配器边界返回的带分类错误。
type Error struct {
	Provider   string
	Class      Class
	Quota      bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError 提取分类错误。未分类的错误视为可重试。
func AsError(err error) *Error {
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return &Error{Class: Transient, Err: err}
}

var quotaMarkers = []string{"quota", "billing", "credit balance", "exceeded your current"}

// ClassifyStatus 根据 HTTP 状态码与响应体构造分类错误。
func ClassifyStatus(provider string, status int, body string) *Error {
	lower := strings.ToLower(body)
	quota := false
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			quota = true
			break
		}
	}

	class := Fatal
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == 529, // 服务过载
		status >= http.StatusInternalServerError:
		class = Transient
	case quota:
		class = Transient
	}

	return &Error{
		Provider:   provider,
		Class:      class,
		Quota:      quota,
		StatusCode: status,
		Err:        stdErrors.New(truncate(strings.TrimSpace(body), 300)),
	}
}

func truncate(text string, limit int) string {
	if len([]rune(text)) > limit {
		return string([]rune(text)[:limit]) + "..."
	}
	return text
}

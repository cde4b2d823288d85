// Package auth 从上游网关注入的可信请求头中读取调用方身份。
//
// 会话签发与令牌校验由上游完成，本包只负责把身份放入请求上下文并执行归属校验。
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrNoSubject 表示请求上下文中没有调用方身份。
var ErrNoSubject = errors.New("缺少调用方身份")

// Subject 是经过上游认证的调用方。
type Subject struct {
	ID string
}

// Owns 判断调用方是否为资源的所有者。
func (s *Subject) Owns(owner string) bool {
	return s != nil && s.ID != "" && s.ID == owner
}

// subjectKey 是上下文中存储 Subject 的键类型。
type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.ID = strings.TrimSpace(subject.ID)
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		return subject
	}
	return nil
}

// RequireSubject 与 SubjectFromContext 相同，但缺少身份时返回 ErrNoSubject。
func RequireSubject(ctx context.Context) (*Subject, error) {
	subject := SubjectFromContext(ctx)
	if subject == nil || subject.ID == "" {
		return nil, ErrNoSubject
	}
	return subject, nil
}

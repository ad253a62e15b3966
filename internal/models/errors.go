package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind 是查询失败的分类。
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetworkUnreachable
	KindTimeout
	KindProtocolMismatch
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindTimeout:
		return "timeout"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "none"
	}
}

// MarshalText 让事件序列化时输出可读的分类名。
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ErrInvalidArgument 标记调用方传入的非法参数，在任何网络操作之前同步返回。
var ErrInvalidArgument = errors.New("invalid argument")

// 用于 errors.Is 的分类哨兵。
var (
	ErrNetworkUnreachable = &Error{Kind: KindNetworkUnreachable}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrProtocolMismatch   = &Error{Kind: KindProtocolMismatch}
	ErrMalformedResponse  = &Error{Kind: KindMalformedResponse}
)

// Error 是附着在单个目标结果上的查询错误。
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类匹配，哨兵没有 Op 与 Err。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError 构造一个带分类的错误。
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 构造带格式化描述的分类错误。
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误的分类，无法识别时返回 KindNone。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Classify 将底层网络与上下文错误归入错误分类。
// 已经分类的错误原样返回。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, os.ErrDeadlineExceeded):
		return NewError(KindTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(KindTimeout, op, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewError(KindNetworkUnreachable, op, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return NewError(KindNetworkUnreachable, op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewError(KindMalformedResponse, op, err)
	}
	return NewError(KindNetworkUnreachable, op, err)
}

// ClassifyContext 与 Classify 相同，但上下文已结束时总是归为超时，并包装 ctx.Err()。
// 取消会令套接字读写以截止时间错误返回，这里保留真正的原因。
func ClassifyContext(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind != KindTimeout {
			return err
		}
		return NewError(KindTimeout, op, fmt.Errorf("%w: %v", cerr, err))
	}
	return Classify(op, err)
}

// Package pubsub 消息处理器抽象
package pubsub

import (
	"context"
	"reflect"
)

// MessageHandler 消息处理器接口
type MessageHandler interface {
	// Handle 处理一条投递的消息
	// 返回的错误只会被记录，不会中断其他处理器或后续消息
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc 函数式处理器适配
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle 实现 MessageHandler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// sameHandler 按标识比较两个处理器
//
// 指针、map、chan 按指针标识比较；函数按代码指针比较，
// 因此同一函数字面量产生的多个闭包会被视为同一处理器，
// 需要细粒度标识的场合应使用指针接收者的处理器类型。
// 不可比较的值类型处理器永不相等
func sameHandler(a, b MessageHandler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}

	if va.Type().Comparable() {
		return a == b
	}
	return false
}

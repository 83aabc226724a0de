package mrun

import (
	"context"

	"github.com/christophertubbs/EventStream/mcmp"
)

type builtinEvent int

const (
	initEvent builtinEvent = iota
	shutdownEvent
)

// InitHook registers the given Hook to run when Init is called on cmp or one
// of its ancestors. This is a special case of AddHook.
//
// As a convention, Hooks running on the init event should block only as long
// as it takes to ensure that whatever is being set up can run successfully
// (e.g. establishing a connection). Long-lived work should be spawned into
// its own goroutine and torn down via ShutdownHook.
func InitHook(cmp *mcmp.Component, hook Hook) {
	AddHook(cmp, initEvent, hook)
}

// Init triggers every Hook registered with InitHook on cmp and its
// descendants, in registration order.
func Init(ctx context.Context, cmp *mcmp.Component) error {
	return TriggerHooks(ctx, cmp, initEvent)
}

// ShutdownHook registers the given Hook to run when Shutdown is called on
// cmp or one of its ancestors. This is a special case of AddHook.
func ShutdownHook(cmp *mcmp.Component, hook Hook) {
	AddHook(cmp, shutdownEvent, hook)
}

// Shutdown triggers every Hook registered with ShutdownHook on cmp and its
// descendants, in the reverse of their registration order, so that the
// most-recently-initialized pieces of the Component tree are torn down
// first.
func Shutdown(ctx context.Context, cmp *mcmp.Component) error {
	return TriggerHooksReverse(ctx, cmp, shutdownEvent)
}

// Package mrun implements the registration and triggering of lifecycle hooks
// (e.g. init/shutdown) on a component hierarchy (see mcmp).
package mrun

import (
	"context"

	"github.com/christophertubbs/EventStream/mcmp"
)

// Hook describes a function which can be registered to trigger on an event
// via AddHook.
type Hook func(context.Context) error

type hookKey struct {
	userKey interface{}
}

// AddHook registers a Hook under the given key on the given Component. The
// Hook will be called when TriggerHooks (or TriggerHooksReverse) is called
// with that same key on the Component or one of its ancestors.
//
// Hooks registered on a Component are triggered in the order they were
// registered, and a Component's hooks are triggered interlaced with its
// children's according to the order Children were spawned (see
// mcmp.AddSeriesValue).
func AddHook(cmp *mcmp.Component, key interface{}, hook Hook) {
	mcmp.AddSeriesValue(cmp, hookKey{key}, hook)
}

func hooksInOrder(cmp *mcmp.Component, key interface{}) []Hook {
	var hooks []Hook
	for _, el := range mcmp.SeriesElements(cmp, hookKey{key}) {
		if el.Child != nil {
			hooks = append(hooks, hooksInOrder(el.Child, key)...)
			continue
		}
		hooks = append(hooks, el.Value.(Hook))
	}
	return hooks
}

// TriggerHooks calls every Hook registered (via AddHook) with the given key
// on cmp and all of its descendants, in registration order. If any Hook
// returns an error, no further Hooks are called and that error is returned.
func TriggerHooks(ctx context.Context, cmp *mcmp.Component, key interface{}) error {
	for _, hook := range hooksInOrder(cmp, key) {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TriggerHooksReverse is like TriggerHooks, but Hooks are called in the
// reverse of their registration order. This is the order used for shutdown,
// so that the most-recently-initialized piece of a Component tree is the
// first to be torn down.
func TriggerHooksReverse(ctx context.Context, cmp *mcmp.Component, key interface{}) error {
	hooks := hooksInOrder(cmp, key)
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			return err
		}
	}
	return nil
}

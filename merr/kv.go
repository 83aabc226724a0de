package merr

import (
	"context"
	"errors"
	"fmt"
)

type kvAttrsKey struct{}

type kvVal struct {
	val     interface{}
	visible bool
}

func ctxWithAttr(ctx context.Context, k, v interface{}, visible bool) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	prev, _ := ctx.Value(kvAttrsKey{}).(map[interface{}]kvVal)
	next := make(map[interface{}]kvVal, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[k] = kvVal{val: v, visible: visible}
	return context.WithValue(ctx, kvAttrsKey{}, next)
}

func ctxAttrs(ctx context.Context) map[interface{}]kvVal {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(kvAttrsKey{}).(map[interface{}]kvVal)
	return m
}

// WithValue returns a copy of the original error, automatically wrapping it
// (see Wrap) if it is not already a merr Error. The returned error has a
// value set on it for the given key.
//
// visible determines whether or not the value is included in the output of
// KV.
func WithValue(e error, k, v interface{}, visible bool) error {
	if e == nil {
		return nil
	}

	var er Error
	if !errors.As(e, &er) {
		er = WrapSkip(nil, e, 2).(Error)
	}
	er.Ctx = ctxWithAttr(er.Ctx, k, v, visible)
	return er
}

// GetValue returns the value embedded in the error for the given key, or nil
// if the error isn't from this package or doesn't have that key embedded.
func GetValue(e error, k interface{}) interface{} {
	if e == nil {
		return nil
	}
	var er Error
	if !errors.As(e, &er) {
		return nil
	}
	return ctxAttrs(er.Ctx)[k].val
}

// KVer implements the mlog.KVer interface. This is defined here to avoid this
// package needing to actually import mlog.
type KVer struct {
	kv map[string]interface{}
}

// KV implements the mlog.KVer interface.
func (kv KVer) KV() map[string]interface{} {
	return kv.kv
}

const (
	kvKeyErr    = "err"
	kvKeyErrSrc = "errSrc"
)

// KV returns a KVer which contains all visible values embedded in the error,
// as well as the original error string itself (under "err") and the source
// line the error was created at (under "errSrc"). Keys will be turned into
// strings using the fmt.Sprint function.
//
// If any keys conflict then their type information will be included as part
// of the key.
func KV(e error) KVer {
	if e == nil {
		return KVer{}
	}

	var er Error
	if !errors.As(e, &er) {
		er = WrapSkip(nil, e, 2).(Error)
	}

	attrs := ctxAttrs(er.Ctx)
	kvm := make(map[string]interface{}, len(attrs)+1)

	keys := map[string]interface{}{}
	setKey := func(k, v interface{}) {
		kStr := fmt.Sprint(k)
		oldKey := keys[kStr]
		if oldKey == nil {
			keys[kStr] = k
			kvm[kStr] = v
			return
		}

		if oldV, ok := kvm[kStr]; ok {
			delete(kvm, kStr)
			kvm[fmt.Sprintf("%T(%s)", oldKey, kStr)] = oldV
		}

		kvm[fmt.Sprintf("%T(%s)", k, kStr)] = v
	}

	setKey(kvKeyErr, er.Err.Error())
	setKey(kvKeyErrSrc, er.Stacktrace.String())
	for k, v := range attrs {
		if !v.visible {
			continue
		}
		setKey(k, v.val)
	}

	return KVer{kvm}
}

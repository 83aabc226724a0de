// Package mlock implements a named distributed lock over the stream store.
//
// Locks guard multi-command mutations of a consumer group (group create +
// consumer create, claim-and-transfer, progress updates). A Lock is
// re-entrant by scope: a caller acquires once and passes the held Lock to
// nested helpers, whose acquires return immediately; only the scope returned
// by the outermost acquire actually unlocks.
//
// Re-entrancy is tracked per Lock value. Two goroutines wanting the same
// named lock must each call Manager.Lock and contend through the store;
// sharing a single Lock value between call chains defeats the scope
// accounting.
package mlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlog"
	"github.com/christophertubbs/EventStream/mrand"
	"github.com/christophertubbs/EventStream/mrun"
	"github.com/christophertubbs/EventStream/mtime"

	"github.com/mediocregopher/radix/v3"
)

// Suffix terminates every lock key.
const Suffix = "LOCK"

// ErrLockLost indicates the server evicted the lock while it was held.
var ErrLockLost = errors.New("lock was lost before release")

// releaseScript deletes the lock key only when it still carries the owner's
// token, so an evicted-and-reacquired lock is never deleted out from under
// its new holder.
var releaseScript = radix.NewEvalScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Key builds the canonical lock key, <stream>:<group>[:<message_id>]:LOCK.
func Key(separator, stream, group, messageID string) string {
	parts := []string{stream, group}
	if messageID != "" {
		parts = append(parts, messageID)
	}
	parts = append(parts, Suffix)
	return strings.Join(parts, separator)
}

// Manager creates Locks over a shared client.
type Manager struct {
	cmp    *mcmp.Component
	client *mredis.Redis

	lifetime time.Duration
	retry    time.Duration
}

// InstManager instantiates a Manager as a child Component, with its lifetime
// and retry cadence exposed as parameters.
func InstManager(parent *mcmp.Component, client *mredis.Redis) *Manager {
	cmp := parent.Child("lock")
	m := &Manager{cmp: cmp, client: client}

	lifetime := mcfg.Duration(cmp, "lifetime",
		mcfg.ParamDefault(mtime.Duration{Duration: 30 * time.Second}),
		mcfg.ParamUsage("How long a held lock survives on the store before the server evicts it"))
	retry := mcfg.Duration(cmp, "retry-interval",
		mcfg.ParamDefault(mtime.Duration{Duration: 50 * time.Millisecond}),
		mcfg.ParamUsage("How long a blocked acquire waits between attempts"))
	mrun.InitHook(cmp, func(context.Context) error {
		m.lifetime = (*lifetime).Duration
		m.retry = (*retry).Duration
		return nil
	})

	return m
}

// NewManager builds a Manager with default timings, for the one-shot tools
// which don't run the Init lifecycle.
func NewManager(cmp *mcmp.Component, client *mredis.Redis) *Manager {
	return &Manager{
		cmp:      cmp,
		client:   client,
		lifetime: 30 * time.Second,
		retry:    50 * time.Millisecond,
	}
}

// Lock returns a Lock for the given stream/group, optionally scoped down to a
// single message id. Nothing is acquired yet.
func (m *Manager) Lock(separator, stream, group, messageID string) *Lock {
	return &Lock{
		m:   m,
		key: Key(separator, stream, group, messageID),
	}
}

// ForceClear unconditionally deletes every string key matching the pattern
// which ends in the lock suffix. Used by the unlock tool; returns the deleted
// keys.
func (m *Manager) ForceClear(ctx context.Context, pattern string) ([]string, error) {
	keys, err := m.client.Keys(pattern)
	if err != nil {
		return nil, err
	}

	cleared := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, Suffix) {
			continue
		}
		keyType, err := m.client.Type(key)
		if err != nil {
			return cleared, err
		} else if keyType != "string" {
			continue
		}
		if _, err := m.client.Del(key); err != nil {
			return cleared, err
		}
		cleared = append(cleared, key)
	}
	return cleared, nil
}

// Scope identifies one acquire of a Lock. The Scope returned by the
// outermost acquire is the only one whose release unlocks the store key.
type Scope string

// Lock is a single named lock. See the package comment for the re-entrancy
// contract.
type Lock struct {
	m   *Manager
	key string

	mu     sync.Mutex
	token  string
	scopes []Scope
}

// Key returns the store key this lock occupies.
func (l *Lock) Key() string { return l.key }

// Acquire blocks until the lock is held, or until ctx is done. Acquiring a
// Lock that is already held returns immediately with a nested Scope.
func (l *Lock) Acquire(ctx context.Context) (Scope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scope := Scope(mrand.Hex(16))
	if len(l.scopes) > 0 {
		l.scopes = append(l.scopes, scope)
		return scope, nil
	}

	token := mrand.Hex(24)
	for {
		set, err := l.m.client.SetNX(l.key, token, l.m.lifetime)
		if err != nil {
			return "", err
		} else if set {
			l.token = token
			l.scopes = append(l.scopes, scope)
			return scope, nil
		}

		select {
		case <-ctx.Done():
			return "", merr.Wrap(mctx.Annotate(l.m.cmp.Context(), "lockKey", l.key), ctx.Err())
		case <-time.After(l.m.retry):
		}
	}
}

// Release releases the acquire identified by scope. Releasing a nested scope
// only pops it; releasing the outermost scope deletes the store key via the
// compare-and-delete script. A scope that does not match any active acquire
// is a no-op that logs a warning.
//
// ErrLockLost is returned when the store no longer held this lock's token at
// outermost release, meaning the server evicted the lock mid-hold.
func (l *Lock) Release(ctx context.Context, scope Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, s := range l.scopes {
		if s == scope {
			idx = i
			break
		}
	}
	if idx == -1 || idx != len(l.scopes)-1 {
		mlog.From(l.m.cmp).WarnString(
			mctx.Annotate(ctx, "lockKey", l.key),
			"lock release scope does not match the active acquire, ignoring")
		return nil
	}

	l.scopes = l.scopes[:idx]
	if idx > 0 {
		return nil
	}

	token := l.token
	l.token = ""
	return l.releaseKey(ctx, token)
}

func (l *Lock) releaseKey(ctx context.Context, token string) error {
	var deleted int64
	err := l.m.client.Do(releaseScript.Cmd(&deleted, l.key, token))
	if err != nil {
		// Stores without script support still need their locks released;
		// downgrade to an unconditional delete.
		mlog.From(l.m.cmp).Warn(
			mctx.Annotate(ctx, "lockKey", l.key),
			"store could not run the lock release script, falling back to plain delete", err)
		if _, delErr := l.m.client.Del(l.key); delErr != nil {
			return delErr
		}
		return nil
	}

	if deleted == 0 {
		return merr.Wrap(mctx.Annotate(l.m.cmp.Context(), "lockKey", l.key), ErrLockLost)
	}
	return nil
}

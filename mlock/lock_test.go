package mlock

import (
	"context"
	. "testing"
	"time"

	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mrand"
	"github.com/christophertubbs/EventStream/mtest"
)

func TestKey(t *T) {
	if key := Key(":", "EVENTS", "group", ""); key != "EVENTS:group:LOCK" {
		t.Fatalf("unexpected group lock key: %q", key)
	}
	if key := Key(":", "EVENTS", "group", "123-0"); key != "EVENTS:group:123-0:LOCK" {
		t.Fatalf("unexpected message lock key: %q", key)
	}
}

func TestLockReentrancy(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	mgr := InstManager(cmp, redis)

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()
		lock := mgr.Lock(":", stream, group, "")

		outer, err := lock.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}

		// a nested acquire of a held lock must not block
		nestedDone := make(chan Scope, 1)
		go func() {
			nested, err := lock.Acquire(ctx)
			if err != nil {
				t.Error(err)
			}
			nestedDone <- nested
		}()

		var nested Scope
		select {
		case nested = <-nestedDone:
		case <-time.After(time.Second):
			t.Fatal("a nested acquire blocked")
		}

		// releasing the nested scope leaves the store key held
		if err := lock.Release(ctx, nested); err != nil {
			t.Fatal(err)
		}
		if exists, err := redis.Exists(lock.Key()); err != nil {
			t.Fatal(err)
		} else if !exists {
			t.Fatal("the lock key disappeared before the outermost release")
		}

		// a mismatched release is a no-op
		if err := lock.Release(ctx, Scope("bogus")); err != nil {
			t.Fatal(err)
		}
		if exists, _ := redis.Exists(lock.Key()); !exists {
			t.Fatal("a mismatched release deleted the lock")
		}

		// the outermost release unlocks
		if err := lock.Release(ctx, outer); err != nil {
			t.Fatal(err)
		}
		if exists, _ := redis.Exists(lock.Key()); exists {
			t.Fatal("the outermost release did not delete the lock")
		}
	})
}

func TestLockContention(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	mgr := InstManager(cmp, redis)

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		first := mgr.Lock(":", stream, group, "")
		second := mgr.Lock(":", stream, group, "")

		scope, err := first.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}

		// a separate Lock value for the same name contends through the store
		acquired := make(chan error, 1)
		go func() {
			blockedScope, err := second.Acquire(ctx)
			if err == nil {
				err = second.Release(ctx, blockedScope)
			}
			acquired <- err
		}()

		select {
		case <-acquired:
			t.Fatal("a second holder acquired a held lock")
		case <-time.After(250 * time.Millisecond):
		}

		if err := first.Release(ctx, scope); err != nil {
			t.Fatal(err)
		}

		select {
		case err := <-acquired:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("the blocked acquire never got the released lock")
		}
	})
}

func TestLockLost(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	mgr := InstManager(cmp, redis)

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()
		lock := mgr.Lock(":", stream, group, "")

		scope, err := lock.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}

		// simulate server-side eviction
		if _, err := redis.Del(lock.Key()); err != nil {
			t.Fatal(err)
		}

		if err := lock.Release(ctx, scope); err == nil {
			t.Fatal("expected the release of an evicted lock to report it lost")
		}
	})
}


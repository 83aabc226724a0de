package mredis

import (
	. "testing"
	"time"

	"github.com/christophertubbs/EventStream/mrand"
	"github.com/christophertubbs/EventStream/mtest"

	"github.com/mediocregopher/radix/v3"
)

func TestStreamCommands(t *T) {
	cmp := mtest.Component()
	redis := InstRedis(cmp)

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)
	consumer := "consumer-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		created, err := redis.XGroupCreate(stream, group, "0")
		if err != nil {
			t.Fatal(err)
		} else if !created {
			t.Fatal("expected group to be created")
		}

		// creating again must be tolerated, not an error
		created, err = redis.XGroupCreate(stream, group, "0")
		if err != nil {
			t.Fatal(err)
		} else if created {
			t.Fatal("expected BUSYGROUP on the second create")
		}

		id, err := redis.XAdd(stream, 100, map[string]string{"event": "generic", "n": "1"})
		if err != nil {
			t.Fatal(err)
		}

		batch, err := redis.XReadGroup(stream, group, consumer, ">", 10, 50*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		} else if len(batch) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(batch))
		} else if batch[id.String()]["event"] != "generic" {
			t.Fatalf("unexpected entry fields: %#v", batch[id.String()])
		}

		pending, err := redis.XPendingRange(stream, group, PendingOpts{Consumer: consumer})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 1 || pending[0].ID != id {
			t.Fatalf("unexpected pending set: %#v", pending)
		}

		other := "consumer-" + mrand.Hex(8)
		claimed, err := redis.XClaim(stream, group, other, 0, []radix.StreamEntryID{id})
		if err != nil {
			t.Fatal(err)
		} else if len(claimed) != 1 || claimed[0].ID != id {
			t.Fatalf("unexpected claim result: %#v", claimed)
		}

		consumers, err := redis.XInfoConsumers(stream, group)
		if err != nil {
			t.Fatal(err)
		}
		byName := map[string]ConsumerInfo{}
		for _, ci := range consumers {
			byName[ci.Name] = ci
		}
		if byName[other].Pending != 1 {
			t.Fatalf("expected %q to own 1 entry: %#v", other, consumers)
		}

		if err := redis.XAck(stream, group, id); err != nil {
			t.Fatal(err)
		}
		pending, err = redis.XPendingRange(stream, group, PendingOpts{})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 0 {
			t.Fatalf("expected empty pending set, got %#v", pending)
		}

		groups, err := redis.XInfoGroups(stream)
		if err != nil {
			t.Fatal(err)
		} else if len(groups) != 1 || groups[0].Name != group {
			t.Fatalf("unexpected groups: %#v", groups)
		}

		n, err := redis.XLen(stream)
		if err != nil {
			t.Fatal(err)
		} else if n != 1 {
			t.Fatalf("expected XLEN 1, got %d", n)
		}

		if err := redis.XGroupDestroy(stream, group); err != nil {
			t.Fatal(err)
		}
		if _, err := redis.Del(stream); err != nil {
			t.Fatal(err)
		}
	})
}

func TestKeyCommands(t *T) {
	cmp := mtest.Component()
	redis := InstRedis(cmp)

	key := "key-" + mrand.Hex(8)
	hash := "hash-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		set, err := redis.SetNX(key, "owner", time.Minute)
		if err != nil {
			t.Fatal(err)
		} else if !set {
			t.Fatal("expected SETNX to set")
		}

		set, err = redis.SetNX(key, "other", time.Minute)
		if err != nil {
			t.Fatal(err)
		} else if set {
			t.Fatal("expected second SETNX to fail")
		}

		if ok, err := redis.HSetNX(hash, "h1", "0"); err != nil || !ok {
			t.Fatalf("HSETNX: ok=%v err=%v", ok, err)
		}
		if ok, err := redis.HSetNX(hash, "h1", "5"); err != nil || ok {
			t.Fatalf("HSETNX should not overwrite: ok=%v err=%v", ok, err)
		}
		if n, err := redis.HIncrBy(hash, "h1", 1); err != nil || n != 1 {
			t.Fatalf("HINCRBY: n=%d err=%v", n, err)
		}
		if err := redis.HSet(hash, "h2", "true"); err != nil {
			t.Fatal(err)
		}

		all, err := redis.HGetAll(hash)
		if err != nil {
			t.Fatal(err)
		} else if all["h1"] != "1" || all["h2"] != "true" {
			t.Fatalf("unexpected hash contents: %#v", all)
		}

		if _, err := redis.Del(key, hash); err != nil {
			t.Fatal(err)
		}
		if exists, err := redis.Exists(key); err != nil || exists {
			t.Fatalf("expected key gone: exists=%v err=%v", exists, err)
		}
	})
}

package listener

import (
	"context"
	. "testing"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mrand"
	"github.com/christophertubbs/EventStream/mtest"
)

func testSettings() ebcfg.Settings {
	settings := ebcfg.DefaultSettings()
	settings.MaxIdleTime = 3 * time.Second
	return settings
}

func publish(t *T, redis *mredis.Redis, stream string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := redis.XAdd(stream, 0, map[string]string{
			"event": "generic",
			"n":     mrand.Hex(4),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id.String()
	}
	return ids
}

func TestConsumerIdleReclaim(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		consumerA := NewConsumer(cmp, redis, locks, settings, stream, group, "consumer-a")
		if err := consumerA.Create(ctx); err != nil {
			t.Fatal(err)
		}
		consumerB := NewConsumer(cmp, redis, locks, settings, stream, group, "consumer-b")
		if err := consumerB.Create(ctx); err != nil {
			t.Fatal(err)
		}

		ids := publish(t, redis, stream, 1)

		// A reads but never acks
		batch, err := consumerA.Read(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		payload, ok := batch[ids[0]]
		if !ok {
			t.Fatalf("consumer A did not receive %s: %#v", ids[0], batch)
		}

		// past the idle threshold, B's read reclaims A's message
		time.Sleep(settings.MaxIdleTime + 500*time.Millisecond)

		batch, err = consumerB.Read(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		reclaimed, ok := batch[ids[0]]
		if !ok {
			t.Fatalf("consumer B did not reclaim %s: %#v", ids[0], batch)
		}
		if reclaimed["n"] != payload["n"] {
			t.Fatalf("the reclaimed payload changed: %#v != %#v", reclaimed, payload)
		}

		// A's pending count dropped to zero
		pending, err := redis.XPendingRange(stream, group, mredis.PendingOpts{Consumer: "consumer-a"})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 0 {
			t.Fatalf("consumer A still owns entries: %#v", pending)
		}
	})
}

func TestConsumerInboxDrainOnRemove(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		consumerA := NewConsumer(cmp, redis, locks, settings, stream, group, "consumer-a")
		if err := consumerA.Create(ctx); err != nil {
			t.Fatal(err)
		}

		ids := publish(t, redis, stream, 3)

		batch, err := consumerA.Read(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		} else if len(batch) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(batch))
		}

		// removal hands everything A owned to the inbox
		if err := consumerA.Remove(ctx); err != nil {
			t.Fatal(err)
		}
		pending, err := redis.XPendingRange(stream, group, mredis.PendingOpts{Consumer: settings.InboxName})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 3 {
			t.Fatalf("the inbox owns %d entries, expected 3", len(pending))
		}

		// a new consumer's first read drains the inbox before any fresh read
		publish(t, redis, stream, 1)

		consumerC := NewConsumer(cmp, redis, locks, settings, stream, group, "consumer-c")
		if err := consumerC.Create(ctx); err != nil {
			t.Fatal(err)
		}

		batch, err = consumerC.Read(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		} else if len(batch) != 3 {
			t.Fatalf("expected the 3 inbox entries first, got %d", len(batch))
		}
		for _, id := range ids {
			if _, ok := batch[id]; !ok {
				t.Fatalf("the inbox drain is missing %s: %#v", id, batch)
			}
		}
	})
}

func TestConsumerMarkComplete(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	stream := "stream-" + mrand.Hex(8)
	group := "group-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		consumer := NewConsumer(cmp, redis, locks, settings, stream, group, "consumer-a")
		if err := consumer.Create(ctx); err != nil {
			t.Fatal(err)
		}

		ids := publish(t, redis, stream, 1)
		if _, err := consumer.Read(ctx, time.Second); err != nil {
			t.Fatal(err)
		}

		record, err := consumer.ClaimProgress(ctx, ids[0], []string{"h1", "h2"})
		if err != nil {
			t.Fatal(err)
		}
		if record["h1"] != "0" || record["h2"] != "0" {
			t.Fatalf("unexpected initial progress record: %#v", record)
		}

		// one of two handlers done: not acked, released to the inbox
		acked, err := consumer.MarkComplete(ctx, ids[0], "h1")
		if err != nil {
			t.Fatal(err)
		} else if acked {
			t.Fatal("the message was acked with a handler still owed")
		}
		pending, err := redis.XPendingRange(stream, group, mredis.PendingOpts{Consumer: settings.InboxName})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 1 {
			t.Fatalf("the message was not released to the inbox: %#v", pending)
		}

		// both handlers done: acked and the record removed
		acked, err = consumer.MarkComplete(ctx, ids[0], "h2")
		if err != nil {
			t.Fatal(err)
		} else if !acked {
			t.Fatal("the message was not acked with every handler complete")
		}

		pending, err = redis.XPendingRange(stream, group, mredis.PendingOpts{})
		if err != nil {
			t.Fatal(err)
		} else if len(pending) != 0 {
			t.Fatalf("entries are still pending after the final ack: %#v", pending)
		}

		key := settings.ProgressKey(ids[0], group)
		if exists, err := redis.Exists(key); err != nil {
			t.Fatal(err)
		} else if exists {
			t.Fatal("the progress record survived the final ack")
		}
		if consumer.LastProcessed() != ids[0] {
			t.Fatalf("LastProcessed = %q, expected %q", consumer.LastProcessed(), ids[0])
		}
	})
}

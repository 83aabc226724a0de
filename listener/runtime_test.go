package listener

import (
	"context"
	"strings"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mrand"
	"github.com/christophertubbs/EventStream/mtest"
)

func testOpts(redis *mredis.Redis, locks *mlock.Manager, settings ebcfg.Settings) Opts {
	return Opts{
		Client:   redis,
		Locks:    locks,
		Settings: settings,
		Handlers: ebhandler.NewRegistry(),
		Variants: ebmsg.NewRegistry(),
		Block:    500 * time.Millisecond,
	}
}

func busConfig(t *T, settings ebcfg.Settings, stream string, handlers map[string][]*ebcfg.CodeDesignation) *ebcfg.BusListener {
	t.Helper()
	bus := &ebcfg.BusListener{Handlers: handlers}
	bus.Name = "bus-" + mrand.Hex(4)
	bus.Stream = stream

	cfg := &ebcfg.Config{
		ApplicationName: "svc",
		DefaultStream:   stream,
		BusListeners:    []*ebcfg.BusListener{bus},
	}
	if err := cfg.Apply(settings); err != nil {
		t.Fatal(err)
	}
	return bus
}

func waitForPendingCount(t *T, redis *mredis.Redis, stream, group string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		pending, err := redis.XPendingRange(stream, group, mredis.PendingOpts{})
		if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
			t.Fatal(err)
		}
		if err == nil && len(pending) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending count never reached %d: %#v", want, pending)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func stopRuntime(t *T, rt *Runtime) {
	t.Helper()
	rt.Close()
	select {
	case <-rt.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("the runtime never stopped")
	}
}

// A bus listener delivers a published message to its handler exactly once
// and acknowledges it, leaving nothing pending.
func TestBusListenerRoundTrip(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	stream := "stream-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		received := make(chan ebmsg.Typed, 1)
		var calls int64
		handler := func(ctx context.Context, conn *mredis.Redis, rt ebhandler.Runtime, msg ebmsg.Typed, kwargs map[string]interface{}) (ebmsg.Typed, error) {
			atomic.AddInt64(&calls, 1)
			received <- msg
			return nil, nil
		}

		bus := busConfig(t, settings, stream, map[string][]*ebcfg.CodeDesignation{
			"generic": {ebcfg.FromFunc("collect", handler, nil)},
		})

		rt := NewBus(cmp, testOpts(redis, locks, settings), bus)
		rt.Launch(ctx)
		defer stopRuntime(t, rt)

		// give the consumer a moment to join the group before publishing
		time.Sleep(500 * time.Millisecond)

		msg := ebmsg.New("generic", map[string]interface{}{
			"hoopla": "HOOPLA",
			"data":   map[string]interface{}{"a": int64(1)},
		})
		if _, err := msg.Send(ctx, redis, stream, ebmsg.SendOpts{
			ApplicationName:     "publisher",
			ApplicationInstance: "p-1",
		}); err != nil {
			t.Fatal(err)
		}

		var got ebmsg.Typed
		select {
		case got = <-received:
		case <-time.After(10 * time.Second):
			t.Fatal("the handler was never invoked")
		}

		env := got.Envelope()
		if env.Event != "generic" {
			t.Fatalf("event = %q", env.Event)
		}
		if hoopla, _ := env.Get("hoopla"); hoopla != "HOOPLA" {
			t.Fatalf("hoopla = %#v", hoopla)
		}
		if a, _ := env.Get("data", "a"); a != float64(1) && a != int64(1) {
			t.Fatalf("data.a = %#v", a)
		}

		waitForPendingCount(t, redis, stream, bus.GroupName(), 0, 10*time.Second)
		if n := atomic.LoadInt64(&calls); n != 1 {
			t.Fatalf("the handler ran %d times, expected once", n)
		}
	})
}

// A failing handler is retried up to the attempt ceiling while its sibling
// succeeds once; after the ceiling the message is acknowledged and no more
// deliveries happen.
func TestProgressCeiling(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()
	settings.MaxHandlerAttempts = 2

	stream := "stream-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		var failingCalls, succeedingCalls int64
		failing := func(ctx context.Context, conn *mredis.Redis, rt ebhandler.Runtime, msg ebmsg.Typed, kwargs map[string]interface{}) (ebmsg.Typed, error) {
			atomic.AddInt64(&failingCalls, 1)
			return nil, merr.New(ctx, "this handler always fails")
		}
		succeeding := func(ctx context.Context, conn *mredis.Redis, rt ebhandler.Runtime, msg ebmsg.Typed, kwargs map[string]interface{}) (ebmsg.Typed, error) {
			atomic.AddInt64(&succeedingCalls, 1)
			return nil, nil
		}

		bus := busConfig(t, settings, stream, map[string][]*ebcfg.CodeDesignation{
			"generic": {
				ebcfg.FromFunc("always_fails", failing, nil),
				ebcfg.FromFunc("succeeds", succeeding, nil),
			},
		})

		rt := NewBus(cmp, testOpts(redis, locks, settings), bus)
		rt.Launch(ctx)
		defer stopRuntime(t, rt)

		time.Sleep(500 * time.Millisecond)

		msg := ebmsg.New("generic", nil)
		if _, err := msg.Send(ctx, redis, stream, ebmsg.SendOpts{
			ApplicationName:     "publisher",
			ApplicationInstance: "p-1",
		}); err != nil {
			t.Fatal(err)
		}

		// once the ceiling is reached the message is acked for good
		waitForPendingCount(t, redis, stream, bus.GroupName(), 0, 15*time.Second)

		// no further deliveries occur after the ceiling
		time.Sleep(2 * time.Second)

		if n := atomic.LoadInt64(&failingCalls); n != int64(settings.MaxHandlerAttempts) {
			t.Fatalf("the failing handler ran %d times, expected %d", n, settings.MaxHandlerAttempts)
		}
		if n := atomic.LoadInt64(&succeedingCalls); n != 1 {
			t.Fatalf("the succeeding handler ran %d times, expected once", n)
		}
	})
}

// A handler's returned message is published as a response on the listener's
// stream, pointing back at the triggering message.
func TestResponsePublishing(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	stream := "stream-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()

		responder := func(ctx context.Context, conn *mredis.Redis, rt ebhandler.Runtime, msg ebmsg.Typed, kwargs map[string]interface{}) (ebmsg.Typed, error) {
			return msg.Envelope().CreateResponse(rt.ApplicationName(), rt.ApplicationInstance()), nil
		}

		bus := busConfig(t, settings, stream, map[string][]*ebcfg.CodeDesignation{
			"ping": {ebcfg.FromFunc("responder", responder, nil)},
		})

		rt := NewBus(cmp, testOpts(redis, locks, settings), bus)
		rt.Launch(ctx)
		defer stopRuntime(t, rt)

		time.Sleep(500 * time.Millisecond)

		msg := ebmsg.New("ping", nil)
		requestID, err := msg.Send(ctx, redis, stream, ebmsg.SendOpts{
			ApplicationName:     "publisher",
			ApplicationInstance: "p-1",
		})
		if err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for {
			entries, err := redis.XRevRange(stream, "+", "-", 10)
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for _, entry := range entries {
				if entry.Fields["event"] == "ping_response" {
					found = true
					if entry.Fields["response_to"] != requestID.String() {
						t.Fatalf("response_to = %q, expected %q", entry.Fields["response_to"], requestID.String())
					}
					if entry.Fields["application_name"] != "svc" {
						t.Fatalf("application_name = %q", entry.Fields["application_name"])
					}
				}
			}
			if found {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("no response was ever published")
			}
			time.Sleep(100 * time.Millisecond)
		}
	})
}

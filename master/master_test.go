package master_test

import (
	"context"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/listener"
	"github.com/christophertubbs/EventStream/master"
	"github.com/christophertubbs/EventStream/mcmp"
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

func TestSynthesizeGroups(t *T) {
	settings := testSettings()
	cfg := &ebcfg.Config{
		ApplicationName: "svc",
		MasterStream:    "MASTER-" + mrand.Hex(4),
		DefaultStream:   "EVENTS",
	}
	if err := cfg.Apply(settings); err != nil {
		t.Fatal(err)
	}

	groups, err := master.SynthesizeGroups(cfg, settings)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 4 {
		t.Fatalf("expected 4 synthesized groups, got %d", len(groups))
	}

	events := map[string]bool{}
	for _, group := range groups {
		events[group.Event] = true
		if !group.IsUnique() {
			t.Fatalf("the %q group is not unique; every instance must receive control events", group.Event)
		}
		if group.StreamName() != cfg.MasterStream {
			t.Fatalf("the %q group reads %q, expected the master stream", group.Event, group.StreamName())
		}
	}
	for _, event := range []string{"get_instance", "close_streams", "trim", "purge"} {
		if !events[event] {
			t.Fatalf("no group was synthesized for %q", event)
		}
	}
}

// fleetInstance simulates one running application instance: the synthesized
// master listeners wired so that closing one closes them all.
type fleetInstance struct {
	id       string
	runtimes []*listener.Runtime
}

func launchInstance(t *T, ctx context.Context, cmp *listenerDeps, masterStream string) *fleetInstance {
	t.Helper()

	registry := ebhandler.NewRegistry()
	if err := master.RegisterHandlers(registry, master.Deps{
		Cmp:      cmp.cmp,
		Locks:    cmp.locks,
		Settings: cmp.settings,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := &ebcfg.Config{
		ApplicationName:     "svc",
		ApplicationInstance: "instance-" + mrand.Hex(4),
		MasterStream:        masterStream,
		DefaultStream:       "EVENTS",
	}
	if err := cfg.Apply(cmp.settings); err != nil {
		t.Fatal(err)
	}

	groups, err := master.SynthesizeGroups(cfg, cmp.settings)
	if err != nil {
		t.Fatal(err)
	}

	inst := &fleetInstance{id: cfg.ApplicationInstance}

	var stopped int32
	stopAll := func() {
		if !atomic.CompareAndSwapInt32(&stopped, 0, 1) {
			return
		}
		for _, rt := range inst.runtimes {
			rt.StopPolling()
		}
	}

	variants := ebmsg.NewRegistry()
	opts := listener.Opts{
		Client:    cmp.redis,
		Locks:     cmp.locks,
		Settings:  cmp.settings,
		Handlers:  registry,
		Variants:  variants,
		Block:     500 * time.Millisecond,
		Executive: true,
		OnStop:    stopAll,
	}

	for _, group := range groups {
		if err := group.Handler.Resolve(registry, variants); err != nil {
			t.Fatal(err)
		}
		rt := listener.NewGroup(cmp.cmp, opts, group)
		rt.Launch(ctx)
		inst.runtimes = append(inst.runtimes, rt)
	}
	return inst
}

func (f *fleetInstance) stillRunning() bool {
	for _, rt := range f.runtimes {
		select {
		case <-rt.Done():
			return false
		default:
		}
	}
	return true
}

func (f *fleetInstance) waitStopped(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for _, rt := range f.runtimes {
		select {
		case <-rt.Done():
		case <-deadline:
			return false
		}
	}
	return true
}

type listenerDeps struct {
	cmp      *mcmp.Component
	redis    *mredis.Redis
	locks    *mlock.Manager
	settings ebcfg.Settings
}

func TestFleetCloseTargetsOneInstance(t *T) {
	cmp := mtest.Component()
	redis := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, redis)
	settings := testSettings()

	masterStream := "MASTER-" + mrand.Hex(8)

	mtest.Run(cmp, t, func() {
		ctx := context.Background()
		deps := &listenerDeps{cmp: cmp, redis: redis, locks: locks, settings: settings}

		first := launchInstance(t, ctx, deps, masterStream)
		second := launchInstance(t, ctx, deps, masterStream)
		defer func() {
			for _, inst := range []*fleetInstance{first, second} {
				for _, rt := range inst.runtimes {
					rt.Close()
					<-rt.Done()
				}
			}
		}()

		time.Sleep(time.Second)

		// every instance answers a get_instance broadcast
		if err := master.BroadcastGetInstance(redis, masterStream, 0); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Second)

		reported, err := master.CollectInstances(redis, masterStream, 50, "svc", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(reported) != 2 {
			t.Fatalf("%d instances responded, expected 2: %#v", len(reported), reported)
		}

		// a close addressed to one instance stops only that instance
		if err := master.SendClose(redis, masterStream, master.Instance{
			ApplicationName:     "svc",
			ApplicationInstance: first.id,
		}, 0); err != nil {
			t.Fatal(err)
		}

		if !first.waitStopped(15 * time.Second) {
			t.Fatal("the targeted instance never stopped")
		}
		if !second.stillRunning() {
			t.Fatal("a close addressed to one instance stopped another")
		}
	})
}

package main

/*
	streambus is the event-bus daemon. It reads a JSON configuration
	document describing bus listeners and handler groups, joins their
	consumer groups on the stream store, and dispatches incoming events to
	registered handler code. Every instance also listens on the master
	stream for fleet-control events (get_instance, close_streams, trim,
	purge).

	Handlers are bound by name: configuration strings must match handlers
	registered here at startup, which is verified before any listener
	starts. Pass --validate to only verify the configuration.
*/

import (
	"fmt"
	"os"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/listener"
	"github.com/christophertubbs/EventStream/m"
	"github.com/christophertubbs/EventStream/master"
	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mlock"
)

func main() {
	cmp := m.RootServiceComponent()

	configPath := mcfg.String(cmp, "config",
		mcfg.ParamUsage("Path to the configuration document. Falls back to $MASTER_BUS_CONFIGURATION_PATH"))
	verbose := mcfg.Bool(cmp, "verbose",
		mcfg.ParamUsage("Print extra insight messages"))
	validate := mcfg.Bool(cmp, "validate",
		mcfg.ParamUsage("Parse and verify the configuration without starting listeners"))

	client := mredis.InstRedis(cmp)
	locks := mlock.InstManager(cmp, client)

	handlers := ebhandler.NewRegistry()
	variants := ebmsg.NewRegistry()

	if err := master.RegisterHandlers(handlers, master.Deps{
		Cmp:             cmp.Child("master"),
		Locks:           locks,
		Settings:        ebcfg.SettingsFromEnv(),
		RecordDirectory: os.Getenv("DEFAULT_EVENT_BUS_RECORD_DIRECTORY"),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "could not register the control-plane handlers: %v\n", err)
		os.Exit(1)
	}

	listener.InstPool(cmp, client, locks, listener.PoolOpts{
		ConfigPath:   configPath,
		Verbose:      verbose,
		ValidateOnly: validate,
		Handlers:     handlers,
		Variants:     variants,
		MasterGroups: master.SynthesizeGroups,
	})

	m.Exec(cmp)
}

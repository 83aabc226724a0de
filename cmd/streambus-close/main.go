package main

/*
	streambus-close asks running instances to shut down. It broadcasts a
	get_instance event on the master stream, waits a second for instances to
	introduce themselves, and then sends a targeted close_streams event to
	every instance matching the given application name and/or instance id.
*/

import (
	"fmt"
	"os"
	"time"

	"github.com/christophertubbs/EventStream/m"
	"github.com/christophertubbs/EventStream/master"
	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
)

func main() {
	cmp := m.RootComponent()

	stream := mcfg.String(cmp, "stream",
		mcfg.ParamDefault("MASTER"),
		mcfg.ParamUsage("The master stream of the application to close"))
	applicationName := mcfg.String(cmp, "application-name",
		mcfg.ParamUsage("Only close instances of this application"))
	applicationInstance := mcfg.String(cmp, "application-instance",
		mcfg.ParamUsage("Only close this specific instance"))

	client := mredis.InstRedis(cmp)

	m.MustInit(cmp)
	defer m.MustShutdown(cmp)

	if err := master.BroadcastGetInstance(client, *stream, 0); err != nil {
		fmt.Fprintf(os.Stderr, "could not broadcast get_instance: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("waiting for instances to respond...")
	time.Sleep(time.Second)

	instances, err := master.CollectInstances(client, *stream, 15, *applicationName, *applicationInstance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not collect instance responses: %v\n", err)
		os.Exit(1)
	}
	if len(instances) == 0 {
		fmt.Println("no matching instances responded")
		return
	}

	for _, instance := range instances {
		if err := master.SendClose(client, *stream, instance, 0); err != nil {
			fmt.Fprintf(os.Stderr, "could not send the close message: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sent the message to close %s:%s\n", instance.ApplicationName, instance.ApplicationInstance)
	}
}

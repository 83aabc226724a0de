package main

/*
	streambus-unlock bulk-removes an application's lock keys. A crashed
	worker can leave group locks behind for their full lifetime; this clears
	them immediately, after an interactive confirmation since yanking a lock
	out from under a live worker corrupts its multi-command mutation.
*/

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/christophertubbs/EventStream/m"
	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/mlock"
)

func main() {
	cmp := m.RootComponent()

	applicationName := mcfg.String(cmp, "application-name",
		mcfg.ParamRequired(),
		mcfg.ParamUsage("The application whose lock keys should be removed"))
	assumeYes := mcfg.Bool(cmp, "yes",
		mcfg.ParamUsage("Skip the confirmation prompt"))

	client := mredis.InstRedis(cmp)

	m.MustInit(cmp)
	defer m.MustShutdown(cmp)

	pattern := "*:" + *applicationName + ":*:" + mlock.Suffix

	if !*assumeYes {
		fmt.Printf("remove every lock matching %q? Running workers holding one of them will misbehave. [y/N] ", pattern)
		answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			fmt.Println("aborted")
			os.Exit(1)
		}
	}

	cleared, err := mlock.NewManager(cmp, client).ForceClear(context.Background(), pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clearing locks failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("removed %d lock(s)\n", len(cleared))
	for _, key := range cleared {
		fmt.Println("    " + key)
	}
}

package main

/*
	streambus-clean-handler-records removes stale per-message progress
	records for an application. A record is stale when the timestamp
	embedded in its message id is older than the allowed bound; normally
	records expire on their own, this catches the ones orphaned by crashed
	workers with long lifetimes still ahead of them.
*/

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/m"
	"github.com/christophertubbs/EventStream/master"
	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mdb/mredis"
)

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

func parseDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		parsed, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func main() {
	cmp := m.RootComponent()

	applicationName := mcfg.String(cmp, "application-name",
		mcfg.ParamRequired(),
		mcfg.ParamUsage("The application whose handler records should be cleaned"))
	oldestAllowed := mcfg.String(cmp, "oldest-allowed",
		mcfg.ParamUsage("The oldest allowable record (YYYY-MM-DD [HH:MM:SS]). Defaults to now"))

	client := mredis.InstRedis(cmp)

	m.MustInit(cmp)
	defer m.MustShutdown(cmp)

	bound := time.Now()
	if *oldestAllowed != "" {
		parsed, err := parseDate(*oldestAllowed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --oldest-allowed value %q: %v\n", *oldestAllowed, err)
			os.Exit(1)
		}
		bound = parsed
	}

	deleted, err := master.CleanHandlerRecords(context.Background(), cmp, client, ebcfg.SettingsFromEnv(), *applicationName, bound)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleaning handler records failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("removed %d stale handler record(s)\n", len(deleted))
	for _, key := range deleted {
		fmt.Println("    " + key)
	}
}

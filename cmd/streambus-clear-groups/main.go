package main

/*
	streambus-clear-groups sweeps the store for groups nobody is servicing
	anymore: groups whose only remaining consumer is the inbox, idle since
	before the allowed bound, with no pending work (unless told to ignore
	it). Matching groups are deleted.
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

	oldestAllowed := mcfg.String(cmp, "oldest-allowed",
		mcfg.ParamUsage("The oldest allowed activity for a group to survive the sweep (YYYY-MM-DD [HH:MM:SS]). Defaults to now"))
	inboxName := mcfg.String(cmp, "inbox-name",
		mcfg.ParamDefault("inbox"),
		mcfg.ParamUsage("The name of the inbox consumer in each stream group"))
	ignorePending := mcfg.Bool(cmp, "ignore-pending",
		mcfg.ParamUsage("Delete groups even if they have pending messages"))

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

	deleted, err := master.ClearGroups(context.Background(), cmp, client, ebcfg.SettingsFromEnv(), master.ClearGroupsRequest{
		OldestAllowed: bound,
		InboxName:     *inboxName,
		IgnorePending: *ignorePending,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "the group sweep failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("deleted %d idle group(s)\n", len(deleted))
	for _, group := range deleted {
		fmt.Println("    " + group)
	}
}

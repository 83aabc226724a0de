// Package m implements functionality specific to how I like my programs to
// work. It acts as glue between many of the other packages in this framework,
// putting them together in the way I find most useful.
package m

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlog"
	"github.com/christophertubbs/EventStream/mrun"
)

type cmpKey int

const (
	cmpKeyCfgSrc cmpKey = iota
	cmpKeyInfoLog
)

func debugLog(cmp *mcmp.Component, msg string, kv ...interface{}) {
	level := mlog.LevelDebug
	if v, ok := cmp.InheritedValue(cmpKeyInfoLog); ok {
		if asInfo, _ := v.(bool); asInfo {
			level = mlog.LevelInfo
		}
	}

	ctx := cmp.Context()
	if len(kv) > 0 {
		ctx = mctx.Annotate(ctx, kv...)
	}

	mlog.From(cmp).Log(mlog.Message{
		Context:     ctx,
		Level:       level,
		Description: msg,
	})
}

// RootComponent returns a Component which should be used as the root Component
// when implementing most programs.
//
// The returned Component will automatically handle setting up global
// configuration parameters like "log-level", as well as parsing those
// and all other parameters when the Init event is triggered on it.
func RootComponent() *mcmp.Component {
	cmp := new(mcmp.Component)

	// embed configuration source which should be used into the Component.
	cmp.SetValue(cmpKeyCfgSrc, mcfg.Source(new(mcfg.SourceCLI)))

	// set up log level handling
	logger := mlog.NewLogger(nil)
	mlog.SetLogger(cmp, logger)

	// set up parameter parsing
	mrun.InitHook(cmp, func(context.Context) error {
		src, _ := cmp.Value(cmpKeyCfgSrc).(mcfg.Source)
		if src == nil {
			return merr.New(cmp.Context(), "Component not sourced from m package")
		} else if err := mcfg.Populate(cmp, src); err != nil {
			return merr.Wrap(cmp.Context(), err)
		}
		return nil
	})

	logLevelStr := mcfg.String(cmp, "log-level",
		mcfg.ParamDefault("info"),
		mcfg.ParamUsage("Maximum log level which will be printed."))
	mrun.InitHook(cmp, func(context.Context) error {
		logLevel := mlog.LevelFromString(*logLevelStr)
		if logLevel == nil {
			ctx := mctx.Annotate(cmp.Context(), "log-level", *logLevelStr)
			return merr.New(ctx, "invalid log level")
		}
		l := mlog.GetLogger(cmp)
		l.SetMaxLevel(logLevel.Int())
		// drop loggers already derived via mlog.From so they see the new level
		mlog.SetLogger(cmp, l)
		return nil
	})

	return cmp
}

// RootServiceComponent extends RootComponent so that it better supports long
// running processes which are expected to run unattended for long stretches of
// time, such as the event bus listener daemon.
//
// Additional behavior it adds includes reading configuration from environment
// variables as well as the CLI (since services are typically deployed via
// process managers/containers that set env vars rather than invoke with
// flags), with the CLI taking precedence where both set a parameter, and
// promoting this package's own debug logging up to info level so that
// lifecycle events show up by default.
func RootServiceComponent() *mcmp.Component {
	cmp := RootComponent()

	// services expect to use many different configuration sources
	cmp.SetValue(cmpKeyCfgSrc, mcfg.Source(mcfg.Sources{
		new(mcfg.SourceEnv),
		new(mcfg.SourceCLI),
	}))

	// it's useful to show debug entries (from this package specifically) as
	// info logs for long-running services.
	cmp.SetValue(cmpKeyInfoLog, true)

	return cmp
}

// MustInit will call mrun.Init on the given Component, which must have been
// created in this package, and exit the process if mrun.Init does not complete
// successfully.
func MustInit(cmp *mcmp.Component) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	debugLog(cmp, "initializing")
	if err := mrun.Init(ctx, cmp); err != nil {
		mlog.From(cmp).Error(merr.Context(err), "initialization failed", err)
		os.Exit(1)
	}
	debugLog(cmp, "initialization completed successfully")
}

// MustShutdown is like MustInit, except that it triggers the Shutdown event on
// the Component.
func MustShutdown(cmp *mcmp.Component) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	debugLog(cmp, "shutting down")
	if err := mrun.Shutdown(ctx, cmp); err != nil {
		mlog.From(cmp).Error(merr.Context(err), "shutdown failed", err)
		os.Exit(1)
	}
	debugLog(cmp, "shutting down completed successfully")
}

// Exec calls MustInit on the given Component, then blocks until an interrupt
// or termination signal is received, then calls MustShutdown on the
// Component, until finally exiting the process.
//
// This is the entrypoint used by every streambus binary: it's what allows the
// daemon to drain its listener runtime cleanly when the process is asked to
// stop, rather than dropping in-flight stream messages.
func Exec(cmp *mcmp.Component) {
	MustInit(cmp)
	{
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		s := <-ch
		debugLog(cmp, "signal received, stopping", "signal", s.String())
	}
	MustShutdown(cmp)

	debugLog(cmp, "exiting process")
	os.Stdout.Sync()
	os.Stderr.Sync()
	os.Exit(0)
}

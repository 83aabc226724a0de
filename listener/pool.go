package listener

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mcfg"
	"github.com/christophertubbs/EventStream/mcmp"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlock"
	"github.com/christophertubbs/EventStream/mlog"
	"github.com/christophertubbs/EventStream/mrun"
	"github.com/christophertubbs/EventStream/mtime"
)

// DefaultConfigurationPath is read when neither the CLI nor the environment
// names a configuration document.
const DefaultConfigurationPath = "master_bus_configuration.json"

// PoolOpts wire a Pool.
type PoolOpts struct {
	// ConfigPath points at the configuration document. When it dereferences
	// to "", the MASTER_BUS_CONFIGURATION_PATH environment variable and
	// then DefaultConfigurationPath are tried.
	ConfigPath *string

	// Verbose and ValidateOnly mirror the daemon's CLI flags.
	Verbose      *bool
	ValidateOnly *bool

	Handlers *ebhandler.Registry
	Variants *ebmsg.Registry

	// MasterGroups synthesizes the fleet-control handler groups attached to
	// the master stream. Optional.
	MasterGroups func(cfg *ebcfg.Config, settings ebcfg.Settings) ([]*ebcfg.HandlerGroup, error)
}

// Pool owns every listener runtime of the process: it loads and validates
// the configuration during Init, launches one Runtime per configured
// listener (plus the synthesized master handlers), and drains them all
// during Shutdown.
type Pool struct {
	cmp    *mcmp.Component
	client *mredis.Redis
	locks  *mlock.Manager
	opts   PoolOpts

	settings ebcfg.Settings
	config   *ebcfg.Config
	runtimes []*Runtime
}

// InstPool instantiates the Pool under the given Component.
func InstPool(parent *mcmp.Component, client *mredis.Redis, locks *mlock.Manager, opts PoolOpts) *Pool {
	cmp := parent.Child("listeners")
	pool := &Pool{cmp: cmp, client: client, locks: locks, opts: opts}

	block := mcfg.Duration(cmp, "poll-block",
		mcfg.ParamDefault(mtime.Duration{Duration: 5 * time.Second}),
		mcfg.ParamUsage("How long a single blocking stream read waits for fresh messages. Bounds how quickly a stop is noticed"))

	mrun.InitHook(cmp, func(ctx context.Context) error {
		return pool.start(ctx, (*block).Duration)
	})
	mrun.ShutdownHook(cmp, func(ctx context.Context) error {
		pool.Stop(ctx)
		return nil
	})

	return pool
}

// Settings returns the runtime settings loaded during Init.
func (p *Pool) Settings() ebcfg.Settings { return p.settings }

// Config returns the applied configuration document.
func (p *Pool) Config() *ebcfg.Config { return p.config }

// Runtimes lists the launched listener runtimes.
func (p *Pool) Runtimes() []*Runtime { return append([]*Runtime(nil), p.runtimes...) }

func (p *Pool) start(ctx context.Context, block time.Duration) error {
	p.settings = ebcfg.SettingsFromEnv()

	path := ""
	if p.opts.ConfigPath != nil {
		path = *p.opts.ConfigPath
	}
	if path == "" {
		path = os.Getenv(ebcfg.EnvConfigurationPath)
	}
	if path == "" {
		path = DefaultConfigurationPath
	}
	p.cmp.Annotate("configPath", path)

	validateOnly := p.opts.ValidateOnly != nil && *p.opts.ValidateOnly

	config, errs := p.load(path)
	if validateOnly {
		if len(errs) > 0 {
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("the configuration at %q is valid\n", path)
		os.Exit(0)
	}
	if len(errs) > 0 {
		descriptions := make([]string, len(errs))
		for i, err := range errs {
			descriptions[i] = err.Error()
		}
		return merr.New(
			mctx.Annotate(p.cmp.Context(), "configPath", path),
			"invalid configuration: "+strings.Join(descriptions, "; "))
	}
	p.config = config

	masterGroups, err := p.masterGroups(config)
	if err != nil {
		return err
	}

	// one listener being told to close closes the whole instance
	var stopped int32
	stopAll := func() {
		if !atomic.CompareAndSwapInt32(&stopped, 0, 1) {
			return
		}
		for _, runtime := range p.runtimes {
			runtime.stopLocal()
		}
	}

	verbose := p.opts.Verbose != nil && *p.opts.Verbose
	opts := Opts{
		Client:   p.client,
		Locks:    p.locks,
		Settings: p.settings,
		Handlers: p.opts.Handlers,
		Variants: p.opts.Variants,
		Verbose:  verbose,
		Block:    block,
		OnStop:   stopAll,
	}

	for _, bus := range config.BusListeners {
		p.runtimes = append(p.runtimes, NewBus(p.cmp, opts, bus))
	}
	for _, group := range config.HandlerGroups {
		p.runtimes = append(p.runtimes, NewGroup(p.cmp, opts, group))
	}

	executiveOpts := opts
	executiveOpts.Executive = true
	for _, group := range masterGroups {
		p.runtimes = append(p.runtimes, NewGroup(p.cmp, executiveOpts, group))
	}

	mlog.From(p.cmp).Info(
		mctx.Annotate(ctx, "listeners", len(p.runtimes), "application", config.ApplicationName, "instance", config.ApplicationInstance),
		"launching listeners")

	// the loops outlive Init's deadline; they stop via the Shutdown hook
	for _, runtime := range p.runtimes {
		runtime.Launch(context.Background())
	}
	return nil
}

func (p *Pool) load(path string) (*ebcfg.Config, []error) {
	config, err := ebcfg.Load(path)
	if err != nil {
		return nil, []error{err}
	}
	if err := config.Apply(p.settings); err != nil {
		return nil, []error{err}
	}
	if errs := config.Validate(p.opts.Handlers, p.opts.Variants); len(errs) > 0 {
		return nil, errs
	}
	return config, nil
}

func (p *Pool) masterGroups(config *ebcfg.Config) ([]*ebcfg.HandlerGroup, error) {
	if p.opts.MasterGroups == nil {
		return nil, nil
	}
	groups, err := p.opts.MasterGroups(config, p.settings)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if err := group.Handler.Resolve(p.opts.Handlers, p.opts.Variants); err != nil {
			return nil, merr.Wrap(p.cmp.Context(), err)
		}
	}
	return groups, nil
}

// Stop drains every runtime: polling stops, the current batches finish, and
// loops still blocked when ctx expires are cancelled outright.
func (p *Pool) Stop(ctx context.Context) {
	for _, runtime := range p.runtimes {
		runtime.stopLocal()
	}

	for _, runtime := range p.runtimes {
		select {
		case <-runtime.Done():
		case <-ctx.Done():
			runtime.Close()
			<-runtime.Done()
		}
	}
}

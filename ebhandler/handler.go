// Package ebhandler defines the shape of event handlers and the registry
// that binds configuration names to handler implementations.
//
// The original system resolved handlers by importing modules at runtime and
// inspecting function signatures. Here the signature is the Func type and
// resolution is a table populated at startup: a configuration string that
// does not name a registered handler is a configuration error, caught before
// any listener starts.
package ebhandler

import (
	"context"
	"strings"

	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/mdb/mredis"
	"github.com/christophertubbs/EventStream/merr"
	"github.com/christophertubbs/EventStream/mlog"
)

// Runtime is the facade a handler receives over the listener that invoked
// it.
type Runtime interface {
	// Name is the configured name of the listener.
	Name() string

	// Verbose reports whether the listener was started with extra output
	// enabled.
	Verbose() bool

	// CanMakeExecutiveDecisions reports whether this listener may act on
	// fleet-control events. Only master handler listeners may.
	CanMakeExecutiveDecisions() bool

	// StopPolling asks the listener's poll loop to end after the current
	// batch.
	StopPolling()

	// ApplicationName and ApplicationInstance identify the running process.
	ApplicationName() string
	ApplicationInstance() string

	// Stream is the stream the listener reads from.
	Stream() string

	// Logger returns the listener's component-scoped logger.
	Logger() *mlog.Logger
}

// Func is the executable unit configuration binds events to. A handler may
// return a message, which the runtime publishes as a response on the
// listener's stream.
type Func func(
	ctx context.Context,
	conn *mredis.Redis,
	runtime Runtime,
	message ebmsg.Typed,
	kwargs map[string]interface{},
) (ebmsg.Typed, error)

// NormalizeName converts a handler function name into its event name:
// lower-cased, surrounding underscores trimmed.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Trim(name, "_"))
}

// Registration is one named handler plus its aliases.
type Registration struct {
	Name    string
	Aliases []string
	Handler Func
}

// Matches reports whether the registration answers to the given event name,
// either by its declared name or any alias.
func (r *Registration) Matches(event string) bool {
	if r.Name == event {
		return true
	}
	for _, alias := range r.Aliases {
		if alias == event {
			return true
		}
	}
	return false
}

// Registry is the name-to-handler table.
type Registry struct {
	registrations []*Registration
}

// NewRegistry returns a Registry holding the stock handlers: echo and
// forward.
func NewRegistry() *Registry {
	r := &Registry{}
	r.MustRegister("echo", Echo, "echo_message")
	r.MustRegister("forward", Forward, "forward_message")
	return r
}

// Register binds a name (and optional aliases) to a handler. Names are
// normalized; a name or alias that is already taken is an error.
func (r *Registry) Register(name string, handler Func, aliases ...string) error {
	if handler == nil {
		return merr.New(
			mctx.Annotate(context.Background(), "handler", name),
			"a nil handler cannot be registered")
	}

	reg := &Registration{Name: NormalizeName(name), Handler: handler}
	for _, alias := range aliases {
		reg.Aliases = append(reg.Aliases, NormalizeName(alias))
	}

	for _, existing := range r.registrations {
		for _, claimed := range append([]string{reg.Name}, reg.Aliases...) {
			if existing.Matches(claimed) {
				return merr.New(
					mctx.Annotate(context.Background(), "handler", name, "claimed", claimed),
					"the handler name is already registered")
			}
		}
	}

	r.registrations = append(r.registrations, reg)
	return nil
}

// MustRegister is Register for startup wiring, where a collision is a
// programming error.
func (r *Registry) MustRegister(name string, handler Func, aliases ...string) {
	if err := r.Register(name, handler, aliases...); err != nil {
		panic(err)
	}
}

// Lookup finds a handler by name or alias.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	normalized := NormalizeName(name)
	for _, reg := range r.registrations {
		if reg.Matches(normalized) {
			return reg, true
		}
	}
	return nil, false
}

// Registrations lists everything registered, in registration order.
func (r *Registry) Registrations() []*Registration {
	return append([]*Registration(nil), r.registrations...)
}

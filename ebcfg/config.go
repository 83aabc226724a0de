package ebcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/merr"

	"github.com/google/uuid"
)

// Config is the single JSON document describing an event-bus application:
// who it is, where it listens, and what runs when events arrive.
type Config struct {
	// ApplicationName identifies this application across the fleet. Falls
	// back to the environment/default when empty.
	ApplicationName string `json:"application_name,omitempty" jsonschema:"description=The name identifying this application across the fleet"`

	// ApplicationInstance identifies this running process. Generated when
	// empty, so every start is a distinct instance.
	ApplicationInstance string `json:"application_instance,omitempty" jsonschema:"description=The identifier of this specific running instance"`

	// DefaultStream is read by every listener that doesn't name its own.
	DefaultStream string `json:"default_stream,omitempty" jsonschema:"description=The stream listeners read from unless they name their own,default=EVENTS"`

	// MasterStream carries fleet-control messages.
	MasterStream string `json:"master_stream,omitempty" jsonschema:"description=The stream carrying fleet control messages,default=MASTER"`

	// Redis is the default store connection, used by every listener that
	// doesn't carry its own.
	Redis *RedisConfig `json:"redis,omitempty"`

	// TLS is default transport material applied to store connections that
	// don't carry their own.
	TLS *TLSConfig `json:"tls,omitempty"`

	BusListeners  []*BusListener  `json:"bus_listeners,omitempty" jsonschema:"description=Listeners dispatching many event types"`
	HandlerGroups []*HandlerGroup `json:"handler_groups,omitempty" jsonschema:"description=Listeners fixed to a single event and handler"`
}

// Load reads and parses the configuration document at path. The result is
// not yet validated or applied.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, merr.Wrap(mctx.Annotate(context.Background(), "path", path), err)
	}

	cfg := new(Config)
	if err := json.Unmarshal(contents, cfg); err != nil {
		return nil, merr.Wrap(mctx.Annotate(context.Background(), "path", path), err)
	}
	return cfg, nil
}

// Apply fills defaults from settings, dereferences $ENV values, and stamps
// the application identity onto every listener. It must run before listeners
// are built.
func (c *Config) Apply(settings Settings) error {
	var err error
	if c.ApplicationName, err = expandEnv(c.ApplicationName); err != nil {
		return err
	}
	if c.DefaultStream, err = expandEnv(c.DefaultStream); err != nil {
		return err
	}
	if c.MasterStream, err = expandEnv(c.MasterStream); err != nil {
		return err
	}

	if c.ApplicationName == "" {
		c.ApplicationName = settings.ApplicationName
	}
	if c.ApplicationInstance == "" {
		c.ApplicationInstance = uuid.NewString()
	}
	if c.DefaultStream == "" {
		c.DefaultStream = "EVENTS"
	}
	if c.MasterStream == "" {
		c.MasterStream = settings.MasterStream
	}
	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.SSL == nil {
		c.Redis.SSL = c.TLS
	}
	if err := c.Redis.expand(); err != nil {
		return err
	}

	for _, bus := range c.BusListeners {
		if err := bus.apply(c, settings); err != nil {
			return err
		}
	}
	for _, group := range c.HandlerGroups {
		if err := group.apply(c, settings); err != nil {
			return err
		}
	}
	return nil
}

// Validate aggregates every configuration error it can find rather than
// stopping at the first, so operators fix a bad file in one pass. Handlers
// are resolved against registry; message variants against variants.
func (c *Config) Validate(registry *ebhandler.Registry, variants *ebmsg.Registry) []error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.BusListeners) == 0 && len(c.HandlerGroups) == 0 {
		fail("either bus_listeners or handler_groups must be defined; neither was found")
	}

	seen := map[string]bool{}
	for _, bus := range c.BusListeners {
		if bus.Name == "" {
			fail("a bus listener has no name")
			continue
		}
		if seen[bus.Name] {
			fail("the listener name %q is used more than once", bus.Name)
		}
		seen[bus.Name] = true

		if bus.Stream == "" {
			fail("bus listener %q has no stream and no default stream is set", bus.Name)
		}
		if len(bus.Handlers) == 0 {
			fail("bus listener %q declares no handlers", bus.Name)
		}
		for event, designations := range bus.Handlers {
			if event == "" {
				fail("bus listener %q maps handlers to an empty event name", bus.Name)
			}
			if len(designations) == 0 {
				fail("bus listener %q declares no handlers for event %q", bus.Name, event)
			}
			for _, designation := range designations {
				if err := designation.Resolve(registry, variants); err != nil {
					fail("bus listener %q, event %q: %v", bus.Name, event, err)
				}
			}
		}
	}

	for _, group := range c.HandlerGroups {
		if group.Name == "" {
			fail("a handler group has no name")
			continue
		}
		if seen[group.Name] {
			fail("the listener name %q is used more than once", group.Name)
		}
		seen[group.Name] = true

		if group.Stream == "" {
			fail("handler group %q has no stream and no default stream is set", group.Name)
		}
		if group.Event == "" {
			fail("handler group %q has no event", group.Name)
		}
		if group.Handler == nil {
			fail("handler group %q has no handler", group.Name)
			continue
		}
		if err := group.Handler.Resolve(registry, variants); err != nil {
			fail("handler group %q: %v", group.Name, err)
		}
		if group.MessageVariant != "" {
			if _, ok := variants.Decoder(group.MessageVariant); !ok {
				fail("handler group %q requires unknown message variant %q", group.Name, group.MessageVariant)
			}
		}
	}

	return errs
}

// expandEnv dereferences a $NAME value against the process environment. An
// unset variable is an error; everything else passes through untouched.
func expandEnv(value string) (string, error) {
	if !strings.HasPrefix(value, "$") {
		return value, nil
	}
	name := strings.TrimPrefix(value, "$")
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", merr.New(
			mctx.Annotate(context.Background(), "variable", name),
			"configuration references an environment variable which is not set")
	}
	return resolved, nil
}

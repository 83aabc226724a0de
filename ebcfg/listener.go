package ebcfg

import (
	"strings"
)

// Listener is the part of a listener configuration the runtime consumes
// without caring which variant it is.
type Listener interface {
	// ListenerName is the operator-facing name.
	ListenerName() string

	// StreamName is the stream the listener reads from.
	StreamName() string

	// IsUnique reports whether the listener's group is instance-qualified,
	// so every running instance receives every message independently.
	IsUnique() bool

	// GroupName derives the consumer-group name shared by all instances of
	// this listener (or owned by one, when unique).
	GroupName() string

	// ConsumerName derives this instance's unique consumer name.
	ConsumerName() string

	// RedisOverride returns the listener's own store connection settings,
	// or nil to use the application default.
	RedisOverride() *RedisConfig

	// ApplicationName returns the owning application's name, with the
	// instance id appended when includeInstance is set.
	ApplicationName(includeInstance bool) string

	// ApplicationInstance returns the owning process's instance id.
	ApplicationInstance() string
}

// ListenerCore carries what both listener variants share. The parent
// Config is not pointed back to; what the listener needs from it is copied
// in during Apply.
type ListenerCore struct {
	Name   string       `json:"name" jsonschema:"description=The name of the listener"`
	Stream string       `json:"stream,omitempty" jsonschema:"description=The stream to read from; the default stream when empty"`
	Unique bool         `json:"unique,omitempty" jsonschema:"description=Whether every application instance receives every message rather than load-balancing them"`
	Redis  *RedisConfig `json:"redis,omitempty"`

	applicationName     string
	applicationInstance string
	keySeparator        string
	groupName           string
	consumerName        string
}

func (l *ListenerCore) applyCommon(cfg *Config, settings Settings) error {
	var err error
	if l.Name, err = expandEnv(l.Name); err != nil {
		return err
	}
	if l.Stream, err = expandEnv(l.Stream); err != nil {
		return err
	}
	if l.Stream == "" {
		l.Stream = cfg.DefaultStream
	}
	if l.Redis != nil {
		if l.Redis.SSL == nil {
			l.Redis.SSL = cfg.TLS
		}
		if err := l.Redis.expand(); err != nil {
			return err
		}
	}

	l.applicationName = cfg.ApplicationName
	l.applicationInstance = cfg.ApplicationInstance
	l.keySeparator = settings.KeySeparator
	if l.keySeparator == "" {
		l.keySeparator = ":"
	}
	return nil
}

func (l *ListenerCore) ListenerName() string         { return l.Name }
func (l *ListenerCore) StreamName() string           { return l.Stream }
func (l *ListenerCore) IsUnique() bool               { return l.Unique }
func (l *ListenerCore) RedisOverride() *RedisConfig { return l.Redis }
func (l *ListenerCore) ApplicationInstance() string { return l.applicationInstance }

func (l *ListenerCore) ApplicationName(includeInstance bool) string {
	name := l.applicationName
	if includeInstance {
		name += l.keySeparator + l.applicationInstance
	}
	return name
}

// deriveName joins identity parts with the configured separator.
func (l *ListenerCore) deriveName(parts ...string) string {
	return strings.Join(parts, l.keySeparator)
}

// BusListener dispatches many event types: a mapping from event name to an
// ordered list of code designations.
type BusListener struct {
	ListenerCore
	Handlers map[string][]*CodeDesignation `json:"handlers" jsonschema:"description=Lists of event handlers mapped to their event name"`
}

func (b *BusListener) apply(cfg *Config, settings Settings) error {
	return b.applyCommon(cfg, settings)
}

// GroupName implements Listener. One group per listener per application per
// stream; instance-qualified when unique.
func (b *BusListener) GroupName() string {
	if b.groupName == "" {
		b.groupName = b.deriveName(b.Stream, b.ApplicationName(b.Unique), "EventBus", b.Name)
	}
	return b.groupName
}

// ConsumerName implements Listener. Always unique per running instance.
func (b *BusListener) ConsumerName() string {
	if b.consumerName == "" {
		b.consumerName = b.deriveName(b.Stream, b.ApplicationName(true), "EventBus", b.Name)
	}
	return b.consumerName
}

// HandlersFor returns the designations configured for the event.
func (b *BusListener) HandlersFor(event string) []*CodeDesignation {
	return b.Handlers[event]
}

func (b *BusListener) String() string {
	return b.Name + " => " + b.Stream + ":" + b.GroupName()
}

// HandlerGroup is a listener fixed to exactly one event and one code
// designation, optionally with a required message variant.
type HandlerGroup struct {
	ListenerCore
	Event          string           `json:"event" jsonschema:"description=The name of the event to handle"`
	Handler        *CodeDesignation `json:"handler" jsonschema:"description=What will handle the incoming message"`
	MessageVariant string           `json:"message_variant,omitempty" jsonschema:"description=A specific variant to parse incoming messages as"`
}

// Apply fills the group's defaults and identity from the owning Config.
// Config.Apply does this for configured groups; synthesized groups (the
// master autowire) call it themselves.
func (g *HandlerGroup) Apply(cfg *Config, settings Settings) error {
	return g.apply(cfg, settings)
}

func (g *HandlerGroup) apply(cfg *Config, settings Settings) error {
	if err := g.applyCommon(cfg, settings); err != nil {
		return err
	}
	var err error
	g.Event, err = expandEnv(g.Event)
	return err
}

// GroupName implements Listener. Handler groups key their group on the
// designation itself, so renaming a group doesn't orphan its pending
// messages while rebinding its handler does.
func (g *HandlerGroup) GroupName() string {
	if g.groupName == "" {
		g.groupName = g.deriveName(g.Stream, g.ApplicationName(g.Unique), "HandlerGroup", g.Handler.Identifier())
	}
	return g.groupName
}

// ConsumerName implements Listener.
func (g *HandlerGroup) ConsumerName() string {
	if g.consumerName == "" {
		g.consumerName = g.deriveName(g.Stream, g.ApplicationName(true), "HandlerGroup", g.Handler.Identifier())
	}
	return g.consumerName
}

func (g *HandlerGroup) String() string {
	return "call " + g.Handler.Identifier() + " when the '" + g.Event + "' event is found in the '" + g.Stream + "' stream"
}

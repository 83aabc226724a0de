package ebcfg

import (
	"fmt"
	"sort"
	"strings"

	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
)

// CodeDesignation is a late-bound reference to an executable unit: the
// registered handler it names, keyword arguments passed on every
// invocation, and optionally the message variant incoming payloads must
// parse as. The handler is resolved once, during configuration validation.
type CodeDesignation struct {
	// Module optionally namespaces Name; "module.name" and a bare "name"
	// are both looked up in the handler registry.
	Module string `json:"module,omitempty" jsonschema:"description=Optional namespace of the handler name"`

	// Name is the registered handler name.
	Name string `json:"name" jsonschema:"description=The name of the registered handler to invoke"`

	// Kwargs are passed to every invocation.
	Kwargs map[string]interface{} `json:"kwargs,omitempty" jsonschema:"description=Keyword arguments passed on every invocation"`

	// MessageVariant, when set, names the variant incoming messages must
	// parse as before this handler runs.
	MessageVariant string `json:"message_variant,omitempty" jsonschema:"description=The variant incoming messages are parsed as"`

	resolved *ebhandler.Registration
}

// FromFunc builds an already-resolved designation around a handler value,
// used when listeners are synthesized in code rather than configured.
func FromFunc(name string, handler ebhandler.Func, kwargs map[string]interface{}) *CodeDesignation {
	return &CodeDesignation{
		Name:   name,
		Kwargs: kwargs,
		resolved: &ebhandler.Registration{
			Name:    ebhandler.NormalizeName(name),
			Handler: handler,
		},
	}
}

func (d *CodeDesignation) lookupName() string {
	if d.Module != "" {
		return d.Module + "." + d.Name
	}
	return d.Name
}

// Resolve binds the designation to its registered handler and checks its
// message variant exists. Resolving twice is a no-op.
func (d *CodeDesignation) Resolve(registry *ebhandler.Registry, variants *ebmsg.Registry) error {
	if d.resolved == nil {
		reg, ok := registry.Lookup(d.lookupName())
		if !ok {
			reg, ok = registry.Lookup(d.Name)
		}
		if !ok {
			return fmt.Errorf("no handler is registered under %q", d.lookupName())
		}
		d.resolved = reg
	}

	if d.MessageVariant != "" && variants != nil {
		if _, ok := variants.Decoder(d.MessageVariant); !ok {
			return fmt.Errorf("no message variant is registered under %q", d.MessageVariant)
		}
	}
	return nil
}

// Handler returns the resolved registration. Resolve must have succeeded
// first; configuration validation guarantees that for configured listeners.
func (d *CodeDesignation) Handler() *ebhandler.Registration {
	return d.resolved
}

// Identifier is the stable string identifying this designation, used as the
// field name in progress records.
func (d *CodeDesignation) Identifier() string {
	parts := []string{d.lookupName()}

	kwargKeys := make([]string, 0, len(d.Kwargs))
	for key := range d.Kwargs {
		kwargKeys = append(kwargKeys, key)
	}
	sort.Strings(kwargKeys)
	for _, key := range kwargKeys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, d.Kwargs[key]))
	}

	if d.MessageVariant != "" {
		parts = append(parts, d.MessageVariant)
	}
	return strings.Join(parts, ":")
}

func (d *CodeDesignation) String() string {
	return d.Identifier()
}

package master

import (
	"strings"

	"github.com/christophertubbs/EventStream/ebcfg"
	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"
)

// handlerGroupSpecs describe the listener synthesized around each
// control-plane handler: its event name and, where payload structure
// matters, the message variant it parses as.
var handlerGroupSpecs = []struct {
	event   string
	variant string
}{
	{event: ebmsg.EventGetInstance},
	{event: ebmsg.EventClose},
	{event: ebmsg.EventTrim, variant: "trim"},
	{event: ebmsg.EventPurge, variant: "purge"},
}

// SynthesizeGroups wraps every control-plane handler in a HandlerGroup
// attached to the master stream, with unique set so every running instance
// receives every fleet-control message independently. The groups behave
// exactly like configured ones; they're just authored here instead of in
// the document.
func SynthesizeGroups(cfg *ebcfg.Config, settings ebcfg.Settings) ([]*ebcfg.HandlerGroup, error) {
	masterStream := cfg.MasterStream
	if masterStream == "" {
		masterStream = settings.MasterStream
	}

	groups := make([]*ebcfg.HandlerGroup, 0, len(handlerGroupSpecs))
	for _, spec := range handlerGroupSpecs {
		event := ebhandler.NormalizeName(spec.event)
		group := &ebcfg.HandlerGroup{
			Event:          event,
			Handler:        &ebcfg.CodeDesignation{Name: event, MessageVariant: spec.variant},
			MessageVariant: spec.variant,
		}
		group.Name = titleName(event)
		group.Stream = masterStream
		group.Unique = true

		if err := group.Apply(cfg, settings); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// titleName renders an event name as the listener's display name, e.g.
// "get_instance" becomes "Get Instance".
func titleName(event string) string {
	words := strings.Split(strings.Trim(event, "_"), "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

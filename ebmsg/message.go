// Package ebmsg implements the message model: the envelope every stream
// payload deserializes into, the weighted registry of concrete variants, and
// the coercion rules for values crossing the wire.
package ebmsg

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/merr"
)

// DefaultDatetimeFormat renders header and archive timestamps.
const DefaultDatetimeFormat = "2006-01-02 15:04:05-0700"

// ResponseSuffix terminates the event name of every response message.
const ResponseSuffix = "_response"

// Declared field names of the envelope, in mapping-iteration order.
var declaredFields = []string{
	"event",
	"message_id",
	"header",
	"application_name",
	"application_instance",
	"response_to",
	"workflow_id",
}

// Typed is implemented by every message variant. The envelope itself is the
// terminal variant.
type Typed interface {
	Envelope() *Message
}

// Message is the atomic structure describing communication crossing the
// event stream. Fields the sender included which the envelope does not
// declare are preserved verbatim in the extra map and survive serialization.
type Message struct {
	Event               string
	MessageID           string
	Header              *Header
	ApplicationName     string
	ApplicationInstance string
	ResponseTo          string
	WorkflowID          string

	extraKeys []string
	extra     map[string]interface{}
}

// Envelope implements Typed.
func (m *Message) Envelope() *Message { return m }

// New builds an envelope for the given event, with any extra fields attached.
func New(event string, extra map[string]interface{}) *Message {
	m := &Message{Event: event}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m.SetExtra(key, extra[key])
	}
	return m
}

// SetExtra attaches (or replaces) one extra field.
func (m *Message) SetExtra(key string, value interface{}) {
	if m.extra == nil {
		m.extra = map[string]interface{}{}
	}
	if _, ok := m.extra[key]; !ok {
		m.extraKeys = append(m.extraKeys, key)
	}
	m.extra[key] = value
}

// Extra returns a copy of the extra-field mapping.
func (m *Message) Extra() map[string]interface{} {
	out := make(map[string]interface{}, len(m.extra))
	for key, value := range m.extra {
		out[key] = value
	}
	return out
}

func (m *Message) declaredValue(field string) interface{} {
	switch field {
	case "event":
		return m.Event
	case "message_id":
		return nullableString(m.MessageID)
	case "header":
		if m.Header == nil {
			return nil
		}
		return m.Header
	case "application_name":
		return nullableString(m.ApplicationName)
	case "application_instance":
		return nullableString(m.ApplicationInstance)
	case "response_to":
		return nullableString(m.ResponseTo)
	case "workflow_id":
		return nullableString(m.WorkflowID)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isDeclaredField(field string) bool {
	for _, name := range declaredFields {
		if name == field {
			return true
		}
	}
	return false
}

// Keys lists every field name present on the message: the declared envelope
// fields first, then the extra fields in the order they were attached.
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(declaredFields)+len(m.extraKeys))
	keys = append(keys, declaredFields...)
	for _, key := range m.extraKeys {
		if !isDeclaredField(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Values lists every field value in the same order as Keys.
func (m *Message) Values() []interface{} {
	keys := m.Keys()
	values := make([]interface{}, len(keys))
	for i, key := range keys {
		values[i], _ = m.Get(key)
	}
	return values
}

// Item is one field of a message.
type Item struct {
	Key   string
	Value interface{}
}

// Items lists every field as a key/value pair, in the same order as Keys.
func (m *Message) Items() []Item {
	keys := m.Keys()
	items := make([]Item, len(keys))
	for i, key := range keys {
		value, _ := m.Get(key)
		items[i] = Item{Key: key, Value: value}
	}
	return items
}

// Len reports the number of addressable fields.
func (m *Message) Len() int { return len(m.Keys()) }

// Index addresses the Keys/Values union positionally.
func (m *Message) Index(i int) (string, interface{}, bool) {
	keys := m.Keys()
	if i < 0 || i >= len(keys) {
		return "", nil, false
	}
	value, _ := m.Get(keys[i])
	return keys[i], value, true
}

// Get reads a field by name, checking declared fields before extras. Extra
// path segments navigate into nested structures the way a mapping lookup
// would.
func (m *Message) Get(path ...interface{}) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}

	first, isString := path[0].(string)
	var current interface{}
	switch {
	case isString && isDeclaredField(first):
		current = m.declaredValue(first)
	case isString:
		var ok bool
		current, ok = m.extra[first]
		if !ok {
			return nil, false
		}
	default:
		return nil, false
	}

	for _, segment := range path[1:] {
		switch key := segment.(type) {
		case string:
			mapping, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = mapping[key]
			if !ok {
				return nil, false
			}
		case int:
			list, ok := current.([]interface{})
			if !ok || key < 0 || key >= len(list) {
				return nil, false
			}
			current = list[key]
		default:
			return nil, false
		}
	}
	return current, true
}

// GetDefault is Get with a fallback value.
func (m *Message) GetDefault(def interface{}, path ...interface{}) interface{} {
	if value, ok := m.Get(path...); ok {
		return value
	}
	return def
}

// Set replaces the value of an existing field. Declared fields accept string
// values; an unknown key is an error, new fields are attached with SetExtra.
func (m *Message) Set(key string, value interface{}) error {
	if isDeclaredField(key) {
		str, _ := value.(string)
		switch key {
		case "event":
			m.Event = str
		case "message_id":
			m.MessageID = str
		case "application_name":
			m.ApplicationName = str
		case "application_instance":
			m.ApplicationInstance = str
		case "response_to":
			m.ResponseTo = str
		case "workflow_id":
			m.WorkflowID = str
		case "header":
			header, ok := value.(*Header)
			if !ok && value != nil {
				return merr.New(context.Background(), "header field requires a *Header value")
			}
			m.Header = header
		}
		return nil
	}

	if _, ok := m.extra[key]; !ok {
		return merr.New(
			mctx.Annotate(context.Background(), "field", key),
			"message does not have a field by that name")
	}
	m.extra[key] = value
	return nil
}

// Clone copies the envelope, including its extra fields.
func (m *Message) Clone() *Message {
	clone := *m
	clone.extraKeys = append([]string(nil), m.extraKeys...)
	clone.extra = make(map[string]interface{}, len(m.extra))
	for key, value := range m.extra {
		clone.extra[key] = value
	}
	if m.Header != nil {
		header := *m.Header
		clone.Header = &header
	}
	return &clone
}

// CreateResponse clones this message into its response: the event gains the
// response suffix, response_to points back at this message, and the given
// application identity is stamped on.
func (m *Message) CreateResponse(applicationName, applicationInstance string) *Message {
	response := m.Clone()
	response.Event += ResponseSuffix
	response.ResponseTo = m.MessageID
	response.MessageID = ""
	response.ApplicationName = applicationName
	response.ApplicationInstance = applicationInstance
	return response
}

// ToMap flattens the message into a decoded-value mapping, declared fields
// first.
func (m *Message) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	for _, key := range m.Keys() {
		if value, ok := m.Get(key); ok && value != nil {
			out[key] = value
		}
	}
	return out
}

// Flatten renders the message into wire fields. Nil-valued fields are
// omitted; structured values (the header included) become JSON documents.
func (m *Message) Flatten() (map[string]string, error) {
	fields := make(map[string]string, m.Len())

	for _, key := range m.Keys() {
		value, ok := m.Get(key)
		if !ok || value == nil {
			continue
		}
		if key == "header" {
			b, err := json.Marshal(m.Header)
			if err != nil {
				return nil, merr.Wrap(context.Background(), err)
			}
			fields[key] = string(b)
			continue
		}
		encoded, ok := EncodeValue(value)
		if !ok {
			continue
		}
		fields[key] = encoded
	}
	return fields, nil
}

// Validate checks the envelope's own invariants.
func (m *Message) Validate() error {
	if m.Event == "" {
		return merr.New(context.Background(), "message has no event name")
	}
	if m.ResponseTo != "" && !strings.HasSuffix(m.Event, ResponseSuffix) {
		return merr.New(
			mctx.Annotate(context.Background(), "event", m.Event),
			"a message responding to another must carry a response event name")
	}
	return nil
}

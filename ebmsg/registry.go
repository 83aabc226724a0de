package ebmsg

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/christophertubbs/EventStream/mctx"
	"github.com/christophertubbs/EventStream/merr"
)

// literalEventBonus is added to the weight of a variant whose event is fixed
// to a single literal value; matching on a literal is the most specific claim
// a variant can make.
const literalEventBonus = 100

// FieldKind constrains what a required field must decode to.
type FieldKind int

const (
	// KindAny accepts any present, non-nil value.
	KindAny FieldKind = iota
	// KindString accepts string values.
	KindString
	// KindInt accepts integers (or whole floats, which is what JSON yields).
	KindInt
	// KindBool accepts booleans and the usual truthy renderings.
	KindBool
	// KindMapping accepts a mapping, or a JSON document decoding to one.
	KindMapping
	// KindJSONString accepts a string containing a valid JSON document.
	KindJSONString
	// KindRecord accepts a value parseable by the FieldSpec's Record
	// decoder. Its weight contributes recursively to the variant's.
	KindRecord
)

// FieldSpec declares one required field of a variant.
type FieldSpec struct {
	Name   string
	Kind   FieldKind
	Record *Decoder
}

// Decoder advertises a message variant: the fields a payload must carry to
// be parsed as it, the literal event that forces it (if any), and how to
// build the typed value once the payload qualifies.
type Decoder struct {
	// Name identifies the variant, e.g. "trim".
	Name string

	// Event, when set, is the only event name this variant matches.
	Event string

	// Depth is the variant's distance from the envelope in the variant
	// hierarchy. Direct variants are 1.
	Depth int

	// Required lists the fields a payload must carry, beyond a non-empty
	// event.
	Required []FieldSpec

	// Build constructs the typed value. The envelope is already populated;
	// fields holds the full decoded payload.
	Build func(env *Message, fields map[string]interface{}) (Typed, error)
}

func (d *Decoder) requiredNames() map[string]bool {
	names := make(map[string]bool, len(d.Required))
	for _, spec := range d.Required {
		names[spec.Name] = true
	}
	return names
}

// rawWeight is the specificity measure before superset propagation: depth,
// plus one per required field, plus the literal-event bonus, plus the
// recursive weight of required sub-records.
func (d *Decoder) rawWeight() int {
	weight := d.Depth + len(d.Required)
	if d.Event != "" {
		weight += literalEventBonus
	}
	for _, spec := range d.Required {
		if spec.Kind == KindRecord && spec.Record != nil {
			weight += spec.Record.rawWeight()
		}
	}
	return weight
}

func (d *Decoder) matches(fields map[string]interface{}) bool {
	event, _ := fields["event"].(string)
	if event == "" {
		return false
	}
	if d.Event != "" && event != d.Event {
		return false
	}
	for _, spec := range d.Required {
		value, ok := fields[spec.Name]
		if !ok || value == nil {
			return false
		}
		if !kindMatches(spec, value) {
			return false
		}
	}
	return true
}

func kindMatches(spec FieldSpec, value interface{}) bool {
	switch spec.Kind {
	case KindAny:
		return true
	case KindString:
		_, ok := value.(string)
		return ok
	case KindInt:
		_, ok := asInt(value)
		return ok
	case KindBool:
		_, ok := asBool(value)
		return ok
	case KindMapping:
		_, ok := asMapping(value)
		return ok
	case KindJSONString:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return json.Valid([]byte(s))
	case KindRecord:
		if spec.Record == nil {
			return false
		}
		mapping, ok := asMapping(value)
		if !ok {
			return false
		}
		return spec.Record.matches(mapping)
	}
	return false
}

// Registry holds the known variants and parses payloads against them in
// decreasing-specificity order, with the bare envelope as terminal fallback.
type Registry struct {
	decoders []*Decoder
	weights  map[string]int
	ordered  []*Decoder
}

// NewRegistry returns a Registry pre-loaded with the built-in variants.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, d := range builtinDecoders() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a variant. A literal event may only be claimed by one
// variant; a second claim is a registration error.
func (r *Registry) Register(d *Decoder) error {
	for _, existing := range r.decoders {
		if existing.Name == d.Name {
			return merr.New(
				mctx.Annotate(context.Background(), "variant", d.Name),
				"a message variant with that name is already registered")
		}
		if d.Event != "" && existing.Event == d.Event {
			return merr.New(
				mctx.Annotate(context.Background(), "event", d.Event, "variant", d.Name),
				"the literal event is already claimed by another variant")
		}
	}
	r.decoders = append(r.decoders, d)
	r.weights = nil
	r.ordered = nil
	return nil
}

// Decoder returns the registered variant by name.
func (r *Registry) Decoder(name string) (*Decoder, bool) {
	for _, d := range r.decoders {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Weights returns the final (propagated) weight per variant. For any two
// variants where one's required-field set strictly contains the other's, the
// superset variant always weighs more.
func (r *Registry) Weights() map[string]int {
	r.build()
	out := make(map[string]int, len(r.weights))
	for name, weight := range r.weights {
		out[name] = weight
	}
	return out
}

func (r *Registry) build() {
	if r.weights != nil {
		return
	}

	raw := make(map[string]int, len(r.decoders))
	weights := make(map[string]int, len(r.decoders))
	for _, d := range r.decoders {
		raw[d.Name] = d.rawWeight()
		weights[d.Name] = d.rawWeight()
	}

	// Propagate: a superset variant must always outweigh its subsets, even
	// when raw weights say otherwise.
	for changed := true; changed; {
		changed = false
		for _, a := range r.decoders {
			aNames := a.requiredNames()
			for _, b := range r.decoders {
				if a == b || !strictSuperset(aNames, b.requiredNames()) {
					continue
				}
				if weights[a.Name] <= weights[b.Name] {
					weights[a.Name] += raw[b.Name]
					if weights[a.Name] <= weights[b.Name] {
						weights[a.Name] = weights[b.Name] + 1
					}
					changed = true
				}
			}
		}
	}

	ordered := append([]*Decoder(nil), r.decoders...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if weights[ordered[i].Name] != weights[ordered[j].Name] {
			return weights[ordered[i].Name] > weights[ordered[j].Name]
		}
		return ordered[i].Name < ordered[j].Name
	})

	r.weights = weights
	r.ordered = ordered
}

func strictSuperset(a, b map[string]bool) bool {
	if len(a) <= len(b) {
		return false
	}
	for name := range b {
		if !a[name] {
			return false
		}
	}
	return true
}

// Parse deserializes raw into the most specific registered variant. Raw may
// be a decoded mapping, a JSON document (string or bytes), or the path of a
// file containing one. The bare envelope is the terminal fallback.
func (r *Registry) Parse(raw interface{}) (Typed, error) {
	fields, err := rawToFields(raw)
	if err != nil {
		return nil, err
	}

	env, err := envelopeFromFields(fields)
	if err != nil {
		return nil, err
	}

	r.build()
	for _, d := range r.ordered {
		if !d.matches(fields) {
			continue
		}
		typed, err := d.Build(env.Clone(), fields)
		if err != nil {
			// the payload looked like this variant but would not build;
			// fall through to something less specific
			continue
		}
		return typed, nil
	}
	return env, nil
}

// ParseAs parses raw strictly as the named variant, never falling back to
// something less specific. A payload that doesn't qualify is an error.
func (r *Registry) ParseAs(name string, raw interface{}) (Typed, error) {
	d, ok := r.Decoder(name)
	if !ok {
		return nil, merr.New(
			mctx.Annotate(context.Background(), "variant", name),
			"no message variant registered under that name")
	}

	fields, err := rawToFields(raw)
	if err != nil {
		return nil, err
	}
	if !d.matches(fields) {
		return nil, merr.New(
			mctx.Annotate(context.Background(), "variant", name),
			"the payload does not satisfy the variant's required fields")
	}

	env, err := envelopeFromFields(fields)
	if err != nil {
		return nil, err
	}
	return d.Build(env, fields)
}

// ParsePayload decodes a raw stream entry's fields and parses them.
func (r *Registry) ParsePayload(payload map[string]string) (Typed, error) {
	return r.Parse(DecodePayload(payload))
}

// RespondAs builds a response of the named variant from the request's fields
// overlaid with data. Construction failures (missing required fields for the
// target variant) surface as errors.
func (r *Registry) RespondAs(
	name string,
	request Typed,
	applicationName, applicationInstance string,
	data map[string]interface{},
) (Typed, error) {
	d, ok := r.Decoder(name)
	if !ok {
		return nil, merr.New(
			mctx.Annotate(context.Background(), "variant", name),
			"no message variant registered under that name")
	}

	env := request.Envelope()
	fields := env.ToMap()
	for key, value := range data {
		fields[key] = value
	}

	if !d.matches(fields) {
		return nil, merr.New(
			mctx.Annotate(context.Background(), "variant", name, "event", env.Event),
			"cannot build a response variant from the request, more information is needed")
	}

	responseEnv, err := envelopeFromFields(fields)
	if err != nil {
		return nil, err
	}
	responseEnv.ResponseTo = env.MessageID
	responseEnv.MessageID = ""
	if responseEnv.Event == env.Event {
		responseEnv.Event += ResponseSuffix
	}
	responseEnv.ApplicationName = applicationName
	responseEnv.ApplicationInstance = applicationInstance

	return d.Build(responseEnv, fields)
}

func rawToFields(raw interface{}) (map[string]interface{}, error) {
	switch tv := raw.(type) {
	case map[string]interface{}:
		return tv, nil
	case *Message:
		return tv.ToMap(), nil
	case []byte:
		return bytesToFields(tv)
	case string:
		if fields, err := bytesToFields([]byte(tv)); err == nil {
			return fields, nil
		}
		// not a document itself; maybe a path to one
		if contents, err := os.ReadFile(tv); err == nil {
			return bytesToFields(contents)
		}
		return nil, merr.New(
			mctx.Annotate(context.Background(), "input", truncateForLog(tv)),
			"input is neither a JSON document nor the path of one")
	default:
		return nil, merr.New(context.Background(), "unsupported message input type")
	}
}

func bytesToFields(b []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, merr.Wrap(context.Background(), err)
	}
	return fields, nil
}

func truncateForLog(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

func envelopeFromFields(fields map[string]interface{}) (*Message, error) {
	event, _ := fields["event"].(string)
	if event == "" {
		return nil, merr.New(context.Background(), "payload carries no event name")
	}

	m := &Message{Event: event}
	m.MessageID, _ = fields["message_id"].(string)
	m.ApplicationName, _ = fields["application_name"].(string)
	m.ApplicationInstance, _ = fields["application_instance"].(string)
	m.ResponseTo, _ = fields["response_to"].(string)
	m.WorkflowID, _ = fields["workflow_id"].(string)

	if rawHeader, ok := fields["header"]; ok && rawHeader != nil {
		header, err := headerFromValue(rawHeader)
		if err != nil {
			return nil, err
		}
		m.Header = header
	}

	extraKeys := make([]string, 0, len(fields))
	for key := range fields {
		if !isDeclaredField(key) {
			extraKeys = append(extraKeys, key)
		}
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		m.SetExtra(key, fields[key])
	}
	return m, nil
}

func headerFromValue(v interface{}) (*Header, error) {
	var b []byte
	switch tv := v.(type) {
	case string:
		b = []byte(tv)
	case *Header:
		return tv, nil
	case map[string]interface{}:
		var err error
		b, err = json.Marshal(tv)
		if err != nil {
			return nil, merr.Wrap(context.Background(), err)
		}
	default:
		return nil, merr.New(context.Background(), "unrecognized header value")
	}

	header := new(Header)
	if err := json.Unmarshal(b, header); err != nil {
		return nil, merr.Wrap(context.Background(), err)
	}
	return header, nil
}

// asInt coerces decoded numeric renderings into an int64.
func asInt(v interface{}) (int64, bool) {
	switch tv := v.(type) {
	case int:
		return int64(tv), true
	case int64:
		return tv, true
	case float64:
		if tv == float64(int64(tv)) {
			return int64(tv), true
		}
	}
	return 0, false
}

// asBool coerces decoded truth renderings into a bool.
func asBool(v interface{}) (bool, bool) {
	switch tv := v.(type) {
	case bool:
		return tv, true
	case int:
		return tv != 0, true
	case int64:
		return tv != 0, true
	case string:
		switch strings.ToLower(tv) {
		case "1", "t", "true", "y", "yes", "on":
			return true, true
		case "0", "f", "false", "n", "no", "off":
			return false, true
		}
	}
	return false, false
}

// asMapping coerces a mapping, or a JSON document decoding to one.
func asMapping(v interface{}) (map[string]interface{}, bool) {
	switch tv := v.(type) {
	case map[string]interface{}:
		return tv, true
	case string:
		fields, err := bytesToFields([]byte(tv))
		if err != nil {
			return nil, false
		}
		return fields, true
	case []byte:
		fields, err := bytesToFields(tv)
		if err != nil {
			return nil, false
		}
		return fields, true
	}
	return nil, false
}

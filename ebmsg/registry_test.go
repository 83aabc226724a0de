package ebmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exampleEvent mirrors the reference variant carrying a JSON document in a
// string field.
type exampleEvent struct {
	Message
	ExampleData string
}

// valueEvent mirrors the reference variant carrying a single integer field.
type valueEvent struct {
	Message
	ExampleBodyValue int64
}

func registerExampleVariants(t *testing.T, r *Registry) {
	t.Helper()

	require.NoError(t, r.Register(&Decoder{
		Name:  "example_event",
		Depth: 2,
		Required: []FieldSpec{
			{Name: "example_data", Kind: KindJSONString},
		},
		Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
			data, _ := fields["example_data"].(string)
			return &exampleEvent{Message: *env, ExampleData: data}, nil
		},
	}))

	require.NoError(t, r.Register(&Decoder{
		Name:  "value_event",
		Depth: 2,
		Required: []FieldSpec{
			{Name: "example_body_value", Kind: KindInt},
		},
		Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
			value, _ := asInt(fields["example_body_value"])
			return &valueEvent{Message: *env, ExampleBodyValue: value}, nil
		},
	}))
}

func TestParseResolvesMostSpecificVariant(t *testing.T) {
	r := NewRegistry()
	registerExampleVariants(t, r)

	t.Run("required field selects the variant", func(t *testing.T) {
		parsed, err := r.Parse(map[string]interface{}{
			"event":              "value test",
			"example_body_value": int64(1),
		})
		require.NoError(t, err)

		value, ok := parsed.(*valueEvent)
		require.True(t, ok, "expected a valueEvent, got %T", parsed)
		assert.Equal(t, int64(1), value.ExampleBodyValue)
		assert.Equal(t, "value test", value.Event)
	})

	t.Run("json-string field selects its variant", func(t *testing.T) {
		parsed, err := r.Parse(map[string]interface{}{
			"event":        "example",
			"example_data": `{"a": 1}`,
		})
		require.NoError(t, err)

		example, ok := parsed.(*exampleEvent)
		require.True(t, ok, "expected an exampleEvent, got %T", parsed)
		assert.Equal(t, `{"a": 1}`, example.ExampleData)
	})

	t.Run("literal event selects its variant", func(t *testing.T) {
		parsed, err := r.Parse(map[string]interface{}{"event": "trim"})
		require.NoError(t, err)

		_, ok := parsed.(*Trim)
		require.True(t, ok, "expected a Trim, got %T", parsed)
	})

	t.Run("unmatched payloads fall back to the envelope", func(t *testing.T) {
		parsed, err := r.Parse(map[string]interface{}{"event": "generic"})
		require.NoError(t, err)

		_, ok := parsed.(*Message)
		require.True(t, ok, "expected the bare envelope, got %T", parsed)
	})

	t.Run("an empty event is rejected", func(t *testing.T) {
		_, err := r.Parse(map[string]interface{}{"hoopla": "HOOPLA"})
		assert.Error(t, err)
	})
}

// A variant whose required-field set strictly contains another's must always
// weigh more, and payloads of the superset variant must parse as it.
func TestSupersetVariantsOutweighSubsets(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Decoder{
		Name:  "narrow",
		Depth: 4, // deliberately deeper so its raw weight beats the superset's
		Required: []FieldSpec{
			{Name: "one", Kind: KindAny},
		},
		Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
			return env, nil
		},
	}))

	wide := &Decoder{
		Name:  "wide",
		Depth: 1,
		Required: []FieldSpec{
			{Name: "one", Kind: KindAny},
			{Name: "two", Kind: KindAny},
		},
		Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
			env.SetExtra("resolved_as", "wide")
			return env, nil
		},
	}
	require.NoError(t, r.Register(wide))

	weights := r.Weights()
	assert.Greater(t, weights["wide"], weights["narrow"])

	parsed, err := r.Parse(map[string]interface{}{
		"event": "whatever",
		"one":   1,
		"two":   2,
	})
	require.NoError(t, err)
	resolvedAs, _ := parsed.Envelope().Get("resolved_as")
	assert.Equal(t, "wide", resolvedAs)
}

func TestWeightComposition(t *testing.T) {
	r := NewRegistry()
	weights := r.Weights()

	// literal-event variants carry the bonus
	assert.Greater(t, weights["trim"], literalEventBonus)
	assert.Greater(t, weights["purge"], weights["trim"])

	// forwarding requires a generic sub-record, whose weight it absorbs
	assert.Greater(t, weights["forwarding"], weights["generic"])
}

func TestLiteralEventsAreUnique(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Decoder{
		Name:  "second_trim",
		Event: EventTrim,
		Depth: 1,
		Build: func(env *Message, fields map[string]interface{}) (Typed, error) {
			return env, nil
		},
	})
	assert.Error(t, err)
}

func TestParseAcceptsDocumentsAndBytes(t *testing.T) {
	r := NewRegistry()

	doc, err := json.Marshal(map[string]interface{}{
		"event": "trim",
		"count": 12,
	})
	require.NoError(t, err)

	parsed, err := r.Parse(doc)
	require.NoError(t, err)
	trim, ok := parsed.(*Trim)
	require.True(t, ok)
	assert.Equal(t, 12, trim.Count)

	parsed, err = r.Parse(string(doc))
	require.NoError(t, err)
	_, ok = parsed.(*Trim)
	assert.True(t, ok)
}

func TestParseAs(t *testing.T) {
	r := NewRegistry()

	parsed, err := r.ParseAs("purge", map[string]interface{}{
		"event":  "purge",
		"stream": "EVENTS",
		"group":  "g",
		"force":  "true",
	})
	require.NoError(t, err)
	purge := parsed.(*Purge)
	assert.Equal(t, "EVENTS", purge.Stream)
	assert.True(t, purge.Force)

	_, err = r.ParseAs("purge", map[string]interface{}{"event": "purge"})
	assert.Error(t, err, "a payload missing required fields must not build")
}

func TestRespondAs(t *testing.T) {
	r := NewRegistry()

	request, err := r.Parse(map[string]interface{}{
		"event":      "generic",
		"message_id": "123-0",
		"data":       map[string]interface{}{"a": float64(1)},
	})
	require.NoError(t, err)

	response, err := r.RespondAs("generic", request, "svc", "instance-1", map[string]interface{}{
		"data": map[string]interface{}{"answer": float64(42)},
	})
	require.NoError(t, err)

	generic := response.(*Generic)
	assert.Equal(t, "generic_response", generic.Event)
	assert.Equal(t, "123-0", generic.ResponseTo)
	assert.Equal(t, "svc", generic.ApplicationName)
	assert.Equal(t, "instance-1", generic.ApplicationInstance)
	assert.Equal(t, float64(42), generic.Data["answer"])

	_, err = r.RespondAs("purge", request, "svc", "instance-1", nil)
	assert.Error(t, err, "missing required fields must surface as a construction error")
}

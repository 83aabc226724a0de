package ebmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingInterface(t *testing.T) {
	m := New("generic", map[string]interface{}{
		"hoopla": "HOOPLA",
		"data":   map[string]interface{}{"a": int64(1)},
	})

	// declared fields come first, extras follow in attachment order
	keys := m.Keys()
	require.Equal(t, len(declaredFields)+2, len(keys))
	assert.Equal(t, declaredFields, keys[:len(declaredFields)])
	assert.ElementsMatch(t, []string{"hoopla", "data"}, keys[len(declaredFields):])

	value, ok := m.Get("hoopla")
	require.True(t, ok)
	assert.Equal(t, "HOOPLA", value)

	value, ok = m.Get("data", "a")
	require.True(t, ok)
	assert.Equal(t, int64(1), value)

	_, ok = m.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, "fallback", m.GetDefault("fallback", "missing"))

	// integer indexing addresses the same declared-then-extra order
	name, value, ok := m.Index(0)
	require.True(t, ok)
	assert.Equal(t, "event", name)
	assert.Equal(t, "generic", value)

	_, _, ok = m.Index(m.Len())
	assert.False(t, ok)

	assert.Equal(t, len(keys), len(m.Values()))
}

func TestSetOnlyTouchesExistingFields(t *testing.T) {
	m := New("generic", map[string]interface{}{"hoopla": "HOOPLA"})

	require.NoError(t, m.Set("hoopla", "updated"))
	value, _ := m.Get("hoopla")
	assert.Equal(t, "updated", value)

	require.NoError(t, m.Set("workflow_id", "wf-1"))
	assert.Equal(t, "wf-1", m.WorkflowID)

	assert.Error(t, m.Set("brand_new", 1))
}

// Serialization round trips preserve the key set: flatten a parsed message,
// parse the flattened form again, and the keys are the declared fields plus
// the original extras.
func TestSerializationRoundTrip(t *testing.T) {
	r := NewRegistry()

	original := map[string]interface{}{
		"event":  "generic",
		"hoopla": "HOOPLA",
		"data":   map[string]interface{}{"a": float64(1)},
		"count":  int64(3),
	}

	parsed, err := r.Parse(original)
	require.NoError(t, err)

	flattened, err := parsed.Envelope().Flatten()
	require.NoError(t, err)
	// nil-valued declared fields are omitted from the wire form
	assert.NotContains(t, flattened, "response_to")
	assert.Equal(t, "HOOPLA", flattened["hoopla"])

	reparsed, err := r.Parse(DecodePayload(flattened))
	require.NoError(t, err)

	assert.ElementsMatch(t, parsed.Envelope().Keys(), reparsed.Envelope().Keys())

	data, ok := reparsed.Envelope().Get("data", "a")
	require.True(t, ok)
	assert.Equal(t, float64(1), data)

	count, _ := reparsed.Envelope().Get("count")
	assert.Equal(t, int64(3), count)
}

func TestCreateResponse(t *testing.T) {
	m := New("generic", map[string]interface{}{"hoopla": "HOOPLA"})
	m.MessageID = "123-0"

	response := m.CreateResponse("svc", "instance-1")
	assert.Equal(t, "generic_response", response.Event)
	assert.Equal(t, "123-0", response.ResponseTo)
	assert.Empty(t, response.MessageID)
	assert.Equal(t, "svc", response.ApplicationName)
	assert.Equal(t, "instance-1", response.ApplicationInstance)

	hoopla, _ := response.Get("hoopla")
	assert.Equal(t, "HOOPLA", hoopla)

	// the original is untouched
	assert.Equal(t, "generic", m.Event)
	assert.NoError(t, response.Validate())
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Message{}).Validate(), "an empty event is never valid")

	m := &Message{Event: "generic", ResponseTo: "1-0"}
	assert.Error(t, m.Validate(), "a reply must carry a response event name")

	m.Event = "generic_response"
	assert.NoError(t, m.Validate())
}

func TestHeaderRoundTrip(t *testing.T) {
	header := NewHeader("", true)
	assert.NotEmpty(t, header.CallerApplication)
	assert.NotEmpty(t, header.Date)
	assert.LessOrEqual(t, len(header.Trace), MaxHeaderStackFrames)

	m := New("generic", nil)
	m.Header = header

	flattened, err := m.Flatten()
	require.NoError(t, err)
	require.Contains(t, flattened, "header")

	r := NewRegistry()
	reparsed, err := r.Parse(DecodePayload(flattened))
	require.NoError(t, err)

	env := reparsed.Envelope()
	require.NotNil(t, env.Header)
	assert.Equal(t, header.CallerApplication, env.Header.CallerApplication)
}

func TestCloneIsolation(t *testing.T) {
	m := New("generic", map[string]interface{}{"hoopla": "HOOPLA"})
	clone := m.Clone()

	require.NoError(t, clone.Set("hoopla", "changed"))
	original, _ := m.Get("hoopla")
	assert.Equal(t, "HOOPLA", original)
}

package ebcfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/christophertubbs/EventStream/ebhandler"
	"github.com/christophertubbs/EventStream/ebmsg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleDocument = `{
	"application_name": "svc",
	"default_stream": "EVENTS",
	"redis": {"host": "127.0.0.1", "port": 6379},
	"bus_listeners": [
		{
			"name": "events",
			"handlers": {
				"generic": [{"name": "echo", "kwargs": {"transmit_response": true}}]
			}
		}
	],
	"handler_groups": [
		{
			"name": "cleanup",
			"stream": "JANITOR",
			"unique": true,
			"event": "sweep",
			"handler": {"name": "echo"}
		}
	]
}`

func writeDocument(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadApplyValidate(t *testing.T) {
	cfg, err := Load(writeDocument(t, exampleDocument))
	require.NoError(t, err)

	settings := DefaultSettings()
	require.NoError(t, cfg.Apply(settings))

	assert.Equal(t, "svc", cfg.ApplicationName)
	assert.NotEmpty(t, cfg.ApplicationInstance, "an instance id is generated when none is configured")
	assert.Equal(t, "MASTER", cfg.MasterStream)

	bus := cfg.BusListeners[0]
	assert.Equal(t, "EVENTS", bus.StreamName(), "the default stream fills empty listener streams")
	assert.False(t, bus.IsUnique())

	group := cfg.HandlerGroups[0]
	assert.Equal(t, "JANITOR", group.StreamName())
	assert.True(t, group.IsUnique())

	errs := cfg.Validate(ebhandler.NewRegistry(), ebmsg.NewRegistry())
	assert.Empty(t, errs)
}

func TestValidateAggregatesErrors(t *testing.T) {
	document := `{
		"bus_listeners": [
			{"name": "events", "handlers": {"generic": [{"name": "no_such_handler"}]}},
			{"name": "", "handlers": {}}
		],
		"handler_groups": [
			{"name": "cleanup", "event": "", "handler": {"name": "echo", "message_variant": "no_such_variant"}}
		]
	}`

	cfg, err := Load(writeDocument(t, document))
	require.NoError(t, err)
	require.NoError(t, cfg.Apply(DefaultSettings()))

	errs := cfg.Validate(ebhandler.NewRegistry(), ebmsg.NewRegistry())
	require.NotEmpty(t, errs)
	// every problem is reported, not just the first
	assert.GreaterOrEqual(t, len(errs), 4)
}

func TestEnvironmentDereference(t *testing.T) {
	t.Setenv("BUS_TEST_STREAM", "FROM_ENV")

	document := `{
		"application_name": "svc",
		"default_stream": "$BUS_TEST_STREAM",
		"bus_listeners": [
			{"name": "events", "handlers": {"generic": [{"name": "echo"}]}}
		]
	}`

	cfg, err := Load(writeDocument(t, document))
	require.NoError(t, err)
	require.NoError(t, cfg.Apply(DefaultSettings()))
	assert.Equal(t, "FROM_ENV", cfg.DefaultStream)
	assert.Equal(t, "FROM_ENV", cfg.BusListeners[0].StreamName())

	document = `{"application_name": "$BUS_TEST_UNSET_VARIABLE"}`
	cfg, err = Load(writeDocument(t, document))
	require.NoError(t, err)
	assert.Error(t, cfg.Apply(DefaultSettings()), "an unset variable is a configuration error")
}

func TestGroupAndConsumerNames(t *testing.T) {
	cfg, err := Load(writeDocument(t, exampleDocument))
	require.NoError(t, err)
	cfg.ApplicationInstance = "instance-1"
	require.NoError(t, cfg.Apply(DefaultSettings()))

	bus := cfg.BusListeners[0]
	assert.Equal(t, "EVENTS:svc:EventBus:events", bus.GroupName(),
		"non-unique groups are shared across instances")
	assert.Equal(t, "EVENTS:svc:instance-1:EventBus:events", bus.ConsumerName(),
		"consumer names are always instance-qualified")

	group := cfg.HandlerGroups[0]
	assert.Equal(t, "JANITOR:svc:instance-1:HandlerGroup:echo", group.GroupName(),
		"unique groups are instance-qualified")
	assert.Equal(t, "JANITOR:svc:instance-1:HandlerGroup:echo", group.ConsumerName())
}

func TestDesignationIdentifier(t *testing.T) {
	d := &CodeDesignation{
		Name:   "echo",
		Kwargs: map[string]interface{}{"b": 2, "a": 1},
	}
	assert.Equal(t, "echo:a=1:b=2", d.Identifier(), "kwargs are ordered for stability")

	d = &CodeDesignation{Module: "handlers", Name: "echo", MessageVariant: "generic"}
	assert.Equal(t, "handlers.echo:generic", d.Identifier())
}

func TestRedisConfigPasswordResolution(t *testing.T) {
	settings := DefaultSettings()

	inline := &RedisConfig{Password: "sekret"}
	password, err := inline.ResolvePassword(settings)
	require.NoError(t, err)
	assert.Equal(t, "sekret", password)

	t.Setenv("BUS_TEST_PASSWORD", "from-env")
	env := &RedisConfig{PasswordEnvVariable: "BUS_TEST_PASSWORD"}
	password, err = env.ResolvePassword(settings)
	require.NoError(t, err)
	assert.Equal(t, "from-env", password)

	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	file := &RedisConfig{PasswordFile: path}
	password, err = file.ResolvePassword(settings)
	require.NoError(t, err)
	assert.Equal(t, "from-file", password)
}

func TestPortAcceptsNumbersAndStrings(t *testing.T) {
	var cfg RedisConfig
	require.NoError(t, json.Unmarshal([]byte(`{"port": 6380}`), &cfg))
	assert.Equal(t, Port("6380"), cfg.Port)

	require.NoError(t, json.Unmarshal([]byte(`{"port": "6381"}`), &cfg))
	assert.Equal(t, Port("6381"), cfg.Port)

	assert.Equal(t, "127.0.0.1:6381", cfg.Addr(DefaultSettings()))
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(schema, &decoded))

	properties, ok := decoded["properties"].(map[string]interface{})
	require.True(t, ok, "the schema describes the configuration's fields")
	assert.Contains(t, properties, "bus_listeners")
	assert.Contains(t, properties, "handler_groups")
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv(EnvApplicationName, "from-env")
	t.Setenv(EnvIdleTimeMS, "3000")
	t.Setenv(EnvMaxAttempts, "7")
	t.Setenv(EnvKeySeparator, "|")

	s := SettingsFromEnv()
	assert.Equal(t, "from-env", s.ApplicationName)
	assert.Equal(t, "3s", s.MaxIdleTime.String())
	assert.Equal(t, 7, s.MaxHandlerAttempts)
	assert.Equal(t, "id||group||progress", s.ProgressKey("id", "group"))
}

// Package ebcfg implements the configuration surface of the event bus: the
// JSON configuration document operators write, the environment-driven
// runtime settings, consumer-identity derivation, and the JSON Schema dump.
package ebcfg

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/christophertubbs/EventStream/ebmsg"
)

// Environment variable names recognized by the runtime.
const (
	EnvConfigurationPath = "MASTER_BUS_CONFIGURATION_PATH"
	EnvApplicationName   = "EVENT_BUS_APPLICATION_NAME"
	EnvMasterStream      = "EVENT_BUS_MASTER_STREAM"
	EnvIdleTimeMS        = "EVENT_BUS_IDLE_TIME_MS"
	EnvMaxLength         = "EVENT_BUS_MAX_LENGTH"
	EnvKeyLifetime       = "HANDLER_KEY_LIFETIME_SECONDS"
	EnvMaxAttempts       = "MAX_HANDLER_ATTEMPTS"
	EnvKeySeparator      = "EVENT_BUS_KEY_SEPARATOR"
	EnvDebug             = "DEBUG_EVENT_BUS"
	EnvDatetimeFormat    = "EVENT_BUS_DATETIME_FORMAT"
	EnvInboxName         = "EVENT_BUS_SENTINEL_CONSUMER_NAME"
	EnvRedisHost         = "EVENT_BUS_REDIS_HOST"
	EnvRedisPort         = "EVENT_BUS_REDIS_PORT"
	EnvRedisUser         = "EVENT_BUS_REDIS_USER"
	EnvRedisPassword     = "EVENT_BUS_REDIS_PASSWORD"
)

// Settings are the process-wide runtime knobs, loaded once at startup and
// passed explicitly to everything that needs them.
type Settings struct {
	ApplicationName    string
	MasterStream       string
	KeySeparator       string
	InboxName          string
	MaxIdleTime        time.Duration
	KeyLifetime        time.Duration
	MaxHandlerAttempts int
	MaxStreamLength    int
	Debug              bool
	DatetimeFormat     string

	DefaultRedisHost     string
	DefaultRedisPort     string
	DefaultRedisUser     string
	DefaultRedisPassword string
}

// DefaultSettings are the values used when the environment says nothing.
func DefaultSettings() Settings {
	return Settings{
		ApplicationName:    "EventBus",
		MasterStream:       "MASTER",
		KeySeparator:       ":",
		InboxName:          "inbox",
		MaxIdleTime:        10 * time.Minute,
		KeyLifetime:        2 * time.Hour,
		MaxHandlerAttempts: 5,
		MaxStreamLength:    ebmsg.DefaultMaxStreamLength,
		DatetimeFormat:     ebmsg.DefaultDatetimeFormat,
		DefaultRedisHost:   "127.0.0.1",
		DefaultRedisPort:   "6379",
	}
}

// SettingsFromEnv loads Settings from the process environment, falling back
// to the defaults field by field.
func SettingsFromEnv() Settings {
	s := DefaultSettings()

	if v := os.Getenv(EnvApplicationName); v != "" {
		s.ApplicationName = v
	}
	if v := os.Getenv(EnvMasterStream); v != "" {
		s.MasterStream = v
	}
	if v := os.Getenv(EnvKeySeparator); v != "" {
		s.KeySeparator = v
	}
	if v := os.Getenv(EnvInboxName); v != "" {
		s.InboxName = v
	}
	if v := os.Getenv(EnvIdleTimeMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			s.MaxIdleTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvKeyLifetime); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			s.KeyLifetime = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxHandlerAttempts = n
		}
	}
	if v := os.Getenv(EnvMaxLength); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxStreamLength = n
		}
	}
	if v := os.Getenv(EnvDebug); v != "" {
		s.Debug = isTruthy(v)
	}
	if v := os.Getenv(EnvDatetimeFormat); v != "" {
		s.DatetimeFormat = v
	}
	if v := os.Getenv(EnvRedisHost); v != "" {
		s.DefaultRedisHost = v
	}
	if v := os.Getenv(EnvRedisPort); v != "" {
		s.DefaultRedisPort = v
	}
	if v := os.Getenv(EnvRedisUser); v != "" {
		s.DefaultRedisUser = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		s.DefaultRedisPassword = v
	}

	return s
}

// ProgressKey builds the key of a message's per-handler progress record.
func (s Settings) ProgressKey(messageID, groupName string) string {
	sep := s.KeySeparator + s.KeySeparator
	return messageID + sep + groupName + sep + "progress"
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	}
	return false
}

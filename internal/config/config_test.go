package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimal = `
hub:
  host: 192.168.1.20
  credential: ABCDEF
areas:
  - name: hall
    sensor_id: 10
    target_group: 8
    schedule:
      "00:00": 2
      "07:30": 255
      "21:00": 128
      "23:00": 2
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"rest_port", cfg.Hub.RESTPort, 80},
		{"websocket_port", cfg.Hub.WebsocketPort, 443},
		{"request_timeout", cfg.Hub.RequestTimeout.Duration(), time.Second},
		{"max_attempts", cfg.Hub.MaxAttempts, 10},
		{"retry_backoff", cfg.Hub.RetryBackoff.Duration(), time.Second},
		{"rate_limit_rps", cfg.Hub.RateLimitRPS, 10.0},
		{"max_startup_attempts", cfg.Stream.MaxStartupAttempts, 10},
		{"backoff_step", cfg.Stream.BackoffStep.Duration(), 2 * time.Second},
		{"timezone", cfg.Timezone, "Local"},
		{"log.level", cfg.Log.Level, "info"},
		{"log.colors", cfg.Log.UseColors(), true},
		{"ledger.retention", cfg.Ledger.Retention.Duration(), 720 * time.Hour},
		{"mqtt.qos", cfg.MQTT.GetQoS(), byte(1)},
		{"mqtt.topic_prefix", cfg.MQTT.TopicPrefix, "motiond"},
		{"healthcheck.port", cfg.Healthcheck.Port, 9090},
		{"eventbus.workers", cfg.EventBus.Workers, 2},
		{"shutdown_timeout", cfg.ShutdownTimeout.Duration(), 5 * time.Second},
		{"dim_after", cfg.Areas[0].DimAfter.Duration(), 2 * time.Minute},
		{"off_after", cfg.Areas[0].OffAfter.Duration(), 2 * time.Minute},
		{"transition", cfg.Areas[0].Transition.Duration(), 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Areas[0].TargetGroup == nil || *cfg.Areas[0].TargetGroup != 8 {
		t.Errorf("target_group = %v, want 8", cfg.Areas[0].TargetGroup)
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	doc := `{
		"hub": {"host": "hub.local", "credential": "k", "websocket_port": 8443},
		"timezone": "Europe/Berlin",
		"areas": [{"name": "desk", "sensor_id": 4, "target_light": 3,
		           "schedule": {"00:00": 50}, "dim_after": "5m", "dry_run": true}]
	}`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Hub.WebsocketPort != 8443 || cfg.Areas[0].DimAfter.Duration() != 5*time.Minute || !cfg.Areas[0].DryRun {
		t.Errorf("cfg = %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		area  string
		field string
	}{
		{
			name:  "missing host",
			doc:   "hub: {credential: x}\nareas: []",
			field: "hub.host",
		},
		{
			name:  "missing credential",
			doc:   "hub: {host: h}\nareas: []",
			field: "hub.credential",
		},
		{
			name:  "no areas",
			doc:   "hub: {host: h, credential: c}",
			field: "areas",
		},
		{
			name:  "both targets",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, target_light: 1, target_group: 2, schedule: {'00:00': 1}}]",
			area:  "a",
			field: "target",
		},
		{
			name:  "no target",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, schedule: {'00:00': 1}}]",
			area:  "a",
			field: "target",
		},
		{
			name:  "missing sensor",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, target_light: 1, schedule: {'00:00': 1}}]",
			area:  "a",
			field: "sensor_id",
		},
		{
			name:  "unnamed area",
			doc:   "hub: {host: h, credential: c}\nareas: [{sensor_id: 1, target_light: 1, schedule: {'00:00': 1}}]",
			area:  "#1",
			field: "name",
		},
		{
			name:  "brightness out of range",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, target_light: 1, schedule: {'00:00': 300}}]",
			area:  "a",
			field: "schedule",
		},
		{
			name:  "bad time of day",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, target_light: 1, schedule: {'25:00': 3}}]",
			area:  "a",
			field: "schedule",
		},
		{
			name:  "empty schedule",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, target_light: 1}]",
			area:  "a",
			field: "schedule",
		},
		{
			name:  "duplicate names",
			doc:   "hub: {host: h, credential: c}\nareas: [{name: a, sensor_id: 1, target_light: 1, schedule: {'00:00': 1}}, {name: a, sensor_id: 2, target_light: 2, schedule: {'00:00': 1}}]",
			area:  "a",
			field: "name",
		},
		{
			name:  "unknown timezone",
			doc:   "hub: {host: h, credential: c}\ntimezone: Mars/Olympus\nareas: [{name: a, sensor_id: 1, target_light: 1, schedule: {'00:00': 1}}]",
			field: "timezone",
		},
		{
			name:  "bad duration",
			doc:   "hub: {host: h, credential: c, request_timeout: soon}",
			field: "file",
		},
		{
			name:  "bad qos",
			doc:   "hub: {host: h, credential: c}\nmqtt: {qos: 5}\nareas: [{name: a, sensor_id: 1, target_light: 1, schedule: {'00:00': 1}}]",
			field: "mqtt.qos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Parse() = %v, want *ConfigurationError", err)
			}
			if cfgErr.Field != tt.field || cfgErr.Area != tt.area {
				t.Errorf("error = %+v, want area %q field %q", cfgErr, tt.area, tt.field)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MOTIOND_TEST_HOST", "hub.lan")

	tests := []struct {
		in, want string
	}{
		{"host: ${MOTIOND_TEST_HOST}", "host: hub.lan"},
		{"host: ${MOTIOND_TEST_HOST:fallback}", "host: hub.lan"},
		{"key: ${MOTIOND_TEST_UNSET:abc}", "key: abc"},
		{"key: ${MOTIOND_TEST_UNSET}", "key: "},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	cfgPath := filepath.Join(dir, "config.yaml")

	os.Unsetenv("MOTIOND_TEST_CREDENTIAL")
	t.Cleanup(func() { os.Unsetenv("MOTIOND_TEST_CREDENTIAL") })

	if err := os.WriteFile(envPath, []byte("MOTIOND_TEST_CREDENTIAL=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	doc := `
hub:
  host: hub.lan
  credential: ${MOTIOND_TEST_CREDENTIAL}
areas:
  - {name: a, sensor_id: 1, target_light: 1, schedule: {"00:00": 1}}
`
	if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Credential != "from-dotenv" {
		t.Errorf("credential = %q, want from-dotenv", cfg.Hub.Credential)
	}
}

func TestLoadEnvFileMissingIsNotAnError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("LoadEnvFile(missing) = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "file" {
		t.Errorf("Load(missing) = %v, want file ConfigurationError", err)
	}
}

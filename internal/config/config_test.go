package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eyemetric/gate_service/internal/capture"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, cfg.CorrelationWindow())
	assert.Equal(t, 3*time.Second, cfg.Dwell())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, VerifySync, cfg.Recognition.ExitVerification)
	assert.Equal(t, capture.Bindings{"1": capture.Entry, "2": capture.Exit}, cfg.Bindings())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.toml")
	body := `
[store]
driver = "memory"
capacity = 3

[recognition]
exit_verification = "async"

[gate]
dwell_ms = 1500

[[stations]]
id = "cam-a"
direction = "In"
rearm_url = "http://a/trigger"

[[stations]]
id = "cam-b"
direction = "Out"
rearm_url = "http://b/trigger"
rearm_field = "captureTrigger"

[[stations]]
id = "plate-cam"
rearm_url = "http://c/trigger"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Store.Capacity)
	assert.Equal(t, VerifyAsync, cfg.Recognition.ExitVerification)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dwell())
	require.Len(t, cfg.Stations, 3)
	assert.Equal(t, "captureTrigger", cfg.Stations[1].RearmField)

	b := cfg.Bindings()
	assert.Equal(t, capture.Entry, b["cam-a"])
	_, bound := b.DirectionOf("plate-cam")
	assert.False(t, bound)
}

func TestValidateRejects(t *testing.T) {
	base := func() *viper.Viper {
		v := viper.New()
		SetDefaults(v)
		return v
	}

	cases := map[string]func(v *viper.Viper){
		"store driver":  func(v *viper.Viper) { v.Set("store.driver", "mongo") },
		"verify mode":   func(v *viper.Viper) { v.Set("recognition.exit_verification", "both") },
		"gate driver":   func(v *viper.Viper) { v.Set("gate.driver", "gpio") },
		"zero window":   func(v *viper.Viper) { v.Set("gate.correlation_window_ms", 0) },
		"bad direction": func(v *viper.Viper) { v.Set("stations", []map[string]any{{"id": "1", "direction": "up"}}) },
		"duplicate station": func(v *viper.Viper) {
			v.Set("stations", []map[string]any{{"id": "1"}, {"id": "1"}})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := base()
			mutate(v)
			_, err := LoadWithViper(v)
			assert.Error(t, err)
		})
	}
}

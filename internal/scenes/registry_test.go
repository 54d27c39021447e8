// SPDX-License-Identifier: MIT

package scenes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montyhome/homectl/internal/shades"
)

func testShadeRegistry() *shades.Registry {
	return shades.NewStaticRegistry([]shades.Shade{
		{ID: 14, Name: "West Window", Room: "Living Room", Type: shades.TypePrivacy, Group: "living_room"},
		{ID: 28, Name: "Skylight", Room: "Kitchen", Type: shades.TypeSolar},
	})
}

func writeScenes(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenes.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadValidDocument(t *testing.T) {
	path := writeScenes(t, `{
		"good_night": {
			"display_name": "Good Night",
			"description": "Lower privacy shades for the night",
			"commands": [
				{"shade_id": 14, "action": "d", "delay_ms_before": 0},
				{"shade_id": 28, "action": "d", "delay_ms_before": 750}
			],
			"retry_count": 2,
			"timeout_seconds": 30
		},
		"good_morning": {
			"display_name": "Good Morning",
			"description": "Open everything",
			"commands": [{"shade_id": 14, "action": "u", "delay_ms_before": 0}],
			"retry_count": 3
		}
	}`)

	reg, err := Load(path, testShadeRegistry())
	require.NoError(t, err)

	sc, ok := reg.Get("good_night")
	require.True(t, ok)
	assert.Equal(t, "good_night", sc.Name)
	assert.Len(t, sc.Steps, 2)
	assert.Equal(t, 750, sc.Steps[1].DelayMsBefore)

	// Omitted timeout gets the default.
	gm, ok := reg.Get("good_morning")
	require.True(t, ok)
	assert.Equal(t, 30, gm.TimeoutSeconds)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "good_morning", all[0].Name)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown shade": `{"s": {"commands": [{"shade_id": 99, "action": "u"}], "retry_count": 1}}`,
		"bad action":    `{"s": {"commands": [{"shade_id": 14, "action": "open"}], "retry_count": 1}}`,
		"neg delay":     `{"s": {"commands": [{"shade_id": 14, "action": "u", "delay_ms_before": -5}], "retry_count": 1}}`,
		"retry range":   `{"s": {"commands": [{"shade_id": 14, "action": "u"}], "retry_count": 6}}`,
		"no commands":   `{"s": {"commands": [], "retry_count": 1}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeScenes(t, doc), testShadeRegistry())
			assert.ErrorIs(t, err, ErrInvalidScene)
		})
	}
}

func TestReloadKeepsOldSetOnError(t *testing.T) {
	path := writeScenes(t, `{"ok": {"commands": [{"shade_id": 14, "action": "u"}], "retry_count": 1}}`)
	reg, err := Load(path, testShadeRegistry())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"bad": {"commands": [], "retry_count": 1}}`), 0o644))
	require.Error(t, reg.Reload(path, testShadeRegistry()))

	_, ok := reg.Get("ok")
	assert.True(t, ok, "previous scene set must survive a failed reload")
}

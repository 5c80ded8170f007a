package ngsild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderReplacesPlaceholders(t *testing.T) {
	template := map[string]any{
		"id":   "{id}",
		"type": "WasteContainer",
		"fillingLevel": map[string]any{
			"type":  "Property",
			"value": "{fill}",
		},
	}
	payload := map[string]any{
		"id":   "container-1",
		"fill": 0.75,
	}

	got, err := Render(template, payload)
	require.NoError(t, err)

	assert.Equal(t, "container-1", got["id"])
	assert.Equal(t, "WasteContainer", got["type"])

	attr := got["fillingLevel"].(map[string]any)
	assert.Equal(t, 0.75, attr["value"])
}

func TestRenderMissingKeyBecomesNil(t *testing.T) {
	template := map[string]any{
		"id":       "{id}",
		"location": "{loc}",
	}
	payload := map[string]any{"id": "x"}

	got, err := Render(template, payload)
	require.NoError(t, err)

	assert.Equal(t, "x", got["id"])
	assert.Nil(t, got["location"])
	assert.Contains(t, got, "location")
}

func TestRenderPassThrough(t *testing.T) {
	template := map[string]any{
		"type":    "Device",
		"count":   3,
		"enabled": true,
		"tags":    []any{"a", "{tag}", 1},
		"nested": map[string]any{
			"deep": "{value}",
		},
	}
	payload := map[string]any{"tag": "b", "value": "v"}

	got, err := Render(template, payload)
	require.NoError(t, err)

	assert.Equal(t, 3, got["count"])
	assert.Equal(t, true, got["enabled"])
	assert.Equal(t, []any{"a", "b", 1}, got["tags"])
	assert.Equal(t, "v", got["nested"].(map[string]any)["deep"])
}

func TestRenderNotAPlaceholder(t *testing.T) {
	template := map[string]any{
		"a": "{}",
		"b": "{a}{b}",
		"c": "prefix {key} suffix",
		"d": "{key",
	}

	got, err := Render(template, map[string]any{"key": "val", "a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, "{}", got["a"])
	assert.Equal(t, "{a}{b}", got["b"])
	assert.Equal(t, "prefix {key} suffix", got["c"])
	assert.Equal(t, "{key", got["d"])
}

func TestRenderIdempotent(t *testing.T) {
	template := map[string]any{"id": "{id}", "type": "Device"}
	payload := map[string]any{"id": "d1"}

	once, err := Render(template, payload)
	require.NoError(t, err)

	twice, err := Render(once, payload)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestRenderNilTemplate(t *testing.T) {
	_, err := Render(nil, map[string]any{})
	assert.Error(t, err)
}

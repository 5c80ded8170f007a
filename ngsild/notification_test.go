package ngsild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNotification() *Notification {
	return &Notification{
		ID:             "notif-1",
		SubscriptionID: "urn:ngsi-ld:Subscription:sub-1",
		NotifiedAt:     time.Now(),
		Data: []map[string]any{
			{
				"id":           "urn:ngsi-ld:WasteContainer:c1",
				"type":         "WasteContainer",
				"fillingLevel": map[string]any{"type": "Property", "value": 0.9},
				"temperature":  map[string]any{"type": "Property", "value": 21.5},
			},
		},
	}
}

func TestFilterAttributes(t *testing.T) {
	n := sampleNotification()

	filtered := n.FilterAttributes([]string{"fillingLevel"})
	require.Len(t, filtered, 1)

	entity := filtered[0]
	assert.Equal(t, "urn:ngsi-ld:WasteContainer:c1", entity["id"])
	assert.Equal(t, "WasteContainer", entity["type"])
	assert.Contains(t, entity, "fillingLevel")
	assert.NotContains(t, entity, "temperature")
}

func TestFilterAttributesEmptyWatchListKeepsAll(t *testing.T) {
	n := sampleNotification()

	filtered := n.FilterAttributes(nil)
	require.Len(t, filtered, 1)
	assert.Contains(t, filtered[0], "temperature")
}

func TestTouchesWatched(t *testing.T) {
	n := sampleNotification()

	assert.True(t, n.TouchesWatched([]string{"fillingLevel"}))
	assert.False(t, n.TouchesWatched([]string{"location"}))
	assert.True(t, n.TouchesWatched(nil))
}

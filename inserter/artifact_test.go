package inserter

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
)

type fakeBroker struct {
	mu       sync.Mutex
	existing map[string]bool

	createErr error
	updateErr map[string]error // attribute name -> error

	created []map[string]any
	updated []string // "entityID/attr"
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{existing: make(map[string]bool)}
}

func (f *fakeBroker) EntityExists(_ context.Context, entityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[entityID], nil
}

func (f *fakeBroker) CreateEntity(_ context.Context, entity map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, entity)
	return nil
}

func (f *fakeBroker) UpdateAttribute(_ context.Context, entityID, name string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.updateErr[name]; ok {
		return err
	}
	f.updated = append(f.updated, entityID+"/"+name)
	return nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.EntityType = "WasteContainer"
	cfg.JSONTemplate = map[string]any{
		"id":   "{id}",
		"type": "WasteContainer",
		"fillingLevel": map[string]any{
			"type":  "Property",
			"value": "{fill}",
		},
	}
	return cfg
}

func newTestArtifact(t *testing.T, cfg config.Config, broker BrokerClient, opts ...Option) *Artifact {
	t.Helper()
	a, err := NewArtifact(cfg, component.Dependencies{}, broker, opts...)
	require.NoError(t, err)
	return a
}

func TestProcessAndSendDataCreatesAbsentEntity(t *testing.T) {
	broker := newFakeBroker()
	a := newTestArtifact(t, testConfig(), broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id":   "c1",
		"fill": 0.75,
	})
	require.NoError(t, err)

	require.Len(t, broker.created, 1)
	entity := broker.created[0]
	assert.Equal(t, "urn:ngsi-ld:WasteContainer:c1", entity["id"])
	assert.Equal(t, "WasteContainer", entity["type"])

	attr := entity["fillingLevel"].(map[string]any)
	assert.Equal(t, 0.75, attr["value"])
}

func TestProcessAndSendDataUpdatesExistingEntity(t *testing.T) {
	broker := newFakeBroker()
	broker.existing["urn:ngsi-ld:WasteContainer:c1"] = true

	a := newTestArtifact(t, testConfig(), broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id":   "c1",
		"fill": 0.8,
	})
	require.NoError(t, err)

	assert.Empty(t, broker.created)
	assert.Equal(t, []string{"urn:ngsi-ld:WasteContainer:c1/fillingLevel"}, broker.updated)
}

func TestCreateRaceRoutesToUpdate(t *testing.T) {
	broker := newFakeBroker()
	broker.createErr = errors.WrapInvalid(errors.ErrEntityExists, "broker", "CreateEntity", "conflict")

	a := newTestArtifact(t, testConfig(), broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id":   "c1",
		"fill": 0.5,
	})
	require.NoError(t, err)

	assert.Empty(t, broker.created)
	assert.Contains(t, broker.updated, "urn:ngsi-ld:WasteContainer:c1/fillingLevel")
}

func TestUpdateSpecificAttributesAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.ColumnsUpdate = []string{"fillingLevel"}
	cfg.JSONTemplate = map[string]any{
		"id":           "{id}",
		"type":         "WasteContainer",
		"fillingLevel": map[string]any{"type": "Property", "value": "{fill}"},
		"temperature":  map[string]any{"type": "Property", "value": "{temp}"},
	}

	broker := newFakeBroker()
	broker.existing["urn:ngsi-ld:WasteContainer:c1"] = true

	a := newTestArtifact(t, cfg, broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id": "c1", "fill": 0.5, "temp": 20.0,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"urn:ngsi-ld:WasteContainer:c1/fillingLevel"}, broker.updated)
}

func TestAttributeFailureDoesNotAbortOthers(t *testing.T) {
	cfg := testConfig()
	cfg.JSONTemplate = map[string]any{
		"id":           "{id}",
		"type":         "WasteContainer",
		"fillingLevel": map[string]any{"type": "Property", "value": "{fill}"},
		"temperature":  map[string]any{"type": "Property", "value": "{temp}"},
	}

	broker := newFakeBroker()
	broker.existing["urn:ngsi-ld:WasteContainer:c1"] = true
	broker.updateErr = map[string]error{
		"fillingLevel": stderrors.New("broker hiccup"),
	}

	a := newTestArtifact(t, cfg, broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id": "c1", "fill": 0.5, "temp": 20.0,
	})
	require.Error(t, err)

	// The other attribute was still attempted
	assert.Equal(t, []string{"urn:ngsi-ld:WasteContainer:c1/temperature"}, broker.updated)
}

func TestProcessAndSendDataMissingIdentity(t *testing.T) {
	cfg := config.Defaults()
	cfg.EntityType = "WasteContainer"
	// No template, no entity_id in config, payload with no id

	a := newTestArtifact(t, cfg, newFakeBroker())

	err := a.ProcessAndSendData(context.Background(), map[string]any{"fill": 0.5})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestProcessAndSendDataWithoutTemplate(t *testing.T) {
	cfg := config.Defaults()
	cfg.EntityType = "Device"

	broker := newFakeBroker()
	a := newTestArtifact(t, cfg, broker)

	err := a.ProcessAndSendData(context.Background(), map[string]any{
		"id":          "d1",
		"temperature": 21.5,
	})
	require.NoError(t, err)

	require.Len(t, broker.created, 1)
	entity := broker.created[0]
	assert.Equal(t, "urn:ngsi-ld:Device:d1", entity["id"])

	attr := entity["temperature"].(map[string]any)
	assert.Equal(t, "Property", attr["type"])
}

func TestHandleMessageDropsMalformedJSON(t *testing.T) {
	a := newTestArtifact(t, testConfig(), newFakeBroker())

	a.handleMessage(context.Background(), []byte("{not json"))

	select {
	case <-a.payloadCh:
		t.Fatal("malformed payload must not be queued")
	default:
	}
	assert.Equal(t, int32(1), a.errorCount.Load())
}

func TestDataProcessorExpandsPayloads(t *testing.T) {
	broker := newFakeBroker()

	processor := func(payload map[string]any) ([]map[string]any, error) {
		rows := payload["rows"].([]any)
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, row.(map[string]any))
		}
		return out, nil
	}

	a := newTestArtifact(t, testConfig(), broker, WithDataProcessor(processor))

	err := a.processPayload(context.Background(), map[string]any{
		"rows": []any{
			map[string]any{"id": "c1", "fill": 0.1},
			map[string]any{"id": "c2", "fill": 0.2},
		},
	})
	require.NoError(t, err)
	assert.Len(t, broker.created, 2)
}

func TestDataProcessorErrorAbortsPayload(t *testing.T) {
	broker := newFakeBroker()

	processor := func(map[string]any) ([]map[string]any, error) {
		return nil, stderrors.New("unusable payload")
	}

	a := newTestArtifact(t, testConfig(), broker, WithDataProcessor(processor))

	err := a.processPayload(context.Background(), map[string]any{"id": "c1"})
	require.Error(t, err)
	assert.Empty(t, broker.created)
}

func TestLifecycle(t *testing.T) {
	a := newTestArtifact(t, testConfig(), newFakeBroker())

	assert.Equal(t, "inserter", a.Meta().Name)
	assert.False(t, a.Health().Healthy)

	require.NoError(t, a.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Health().Healthy)

	// Payloads queued while running are drained by the loop
	require.True(t, a.Enqueue(map[string]any{"id": "c9", "fill": 0.3}))
	require.Eventually(t, func() bool {
		return a.processed.Load() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, a.Stop(time.Second))
	assert.False(t, a.Health().Healthy)
}

func TestCoreMetricsRecorded(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	deps := component.Dependencies{MetricsRegistry: registry}

	a, err := NewArtifact(testConfig(), deps, newFakeBroker())
	require.NoError(t, err)
	require.NoError(t, a.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(time.Second) }()

	require.True(t, a.Enqueue(map[string]any{"id": "c1", "fill": 0.4}))
	require.Eventually(t, func() bool {
		return a.processed.Load() == 1
	}, time.Second, 10*time.Millisecond)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]struct{}, len(families))
	for _, mf := range families {
		names[mf.GetName()] = struct{}{}
	}
	assert.Contains(t, names, "fiwarebridge_messages_received_total")
	assert.Contains(t, names, "fiwarebridge_messages_processed_total")
	assert.Contains(t, names, "fiwarebridge_processing_duration_seconds")
}

func TestStopWithLiveStartContext(t *testing.T) {
	a := newTestArtifact(t, testConfig(), newFakeBroker())
	require.NoError(t, a.Initialize())

	// Start context stays live; Stop must not wait for its cancellation
	require.NoError(t, a.Start(context.Background()))

	start := time.Now()
	require.NoError(t, a.Stop(5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStartRequiresInitialize(t *testing.T) {
	a := newTestArtifact(t, testConfig(), newFakeBroker())

	err := a.Start(context.Background())
	assert.Error(t, err)
}

func TestEnqueueFullQueueDrops(t *testing.T) {
	a := newTestArtifact(t, testConfig(), newFakeBroker(), WithQueueSize(1))

	assert.True(t, a.Enqueue(map[string]any{"id": "a"}))
	assert.False(t, a.Enqueue(map[string]any{"id": "b"}))
}

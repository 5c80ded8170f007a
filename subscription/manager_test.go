package subscription

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/broker"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/ngsild"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/pkg/netutil"
)

type fakeSubscriberBroker struct {
	mu sync.Mutex

	nextID    int
	createErr error
	deleteErr map[string]error // broker id -> error

	created []ngsild.Subscription
	deleted []string
	listing []broker.SubscriptionRecord
	listErr error
}

func newFakeSubscriberBroker() *fakeSubscriberBroker {
	return &fakeSubscriberBroker{deleteErr: make(map[string]error)}
}

func (f *fakeSubscriberBroker) CreateSubscription(_ context.Context, sub ngsild.Subscription) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, sub)
	return fmt.Sprintf("urn:ngsi-ld:Subscription:%d", f.nextID), nil
}

func (f *fakeSubscriberBroker) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.deleteErr[id]; ok {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSubscriberBroker) ListSubscriptions(_ context.Context) ([]broker.SubscriptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listing, f.listErr
}

func subTestConfig() config.Config {
	cfg := config.Defaults()
	cfg.ProjectName = "waste"
	cfg.EntityType = "WasteContainer"
	cfg.WatchedAttributes = []string{"fillingLevel"}
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config, fb SubscriberClient, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithBinding("127.0.0.1", 8123)}, opts...)
	m, err := NewManager(cfg, component.Dependencies{}, fb, opts...)
	require.NoError(t, err)
	return m
}

func TestCreateSubscriptionRegisters(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	brokerID, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)
	assert.Equal(t, "urn:ngsi-ld:Subscription:1", brokerID)

	active := m.ActiveSubscriptions()
	require.Contains(t, active, "sub_main")
	assert.Equal(t, brokerID, active["sub_main"].BrokerID)

	require.Len(t, fb.created, 1)
	doc := fb.created[0]
	assert.Equal(t, "Artifact-ID: waste, Sub-ID: sub_main", doc.Description)
	assert.Equal(t, "http://127.0.0.1:8123/notify", doc.Notification.Endpoint.URI)
}

func TestCreateSubscriptionReplacesDuplicate(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	first, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)

	second, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, fb.deleted, first)

	active := m.ActiveSubscriptions()
	require.Len(t, active, 1)
	assert.Equal(t, second, active["sub_main"].BrokerID)
}

func TestCreateSubscriptionRejectsWhenReplaceDeleteFails(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	first, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)

	fb.deleteErr[first] = stderrors.New("broker unavailable")

	_, err = m.CreateSubscription(context.Background(), "sub_main")
	require.Error(t, err)

	// Old registration must survive the failed replacement
	active := m.ActiveSubscriptions()
	assert.Equal(t, first, active["sub_main"].BrokerID)
}

func TestDeleteSubscriptionByIdentifier(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	brokerID, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSubscriptionByIdentifier(context.Background(), "sub_main"))
	assert.Contains(t, fb.deleted, brokerID)
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestDeleteSubscriptionUnknownIdentifier(t *testing.T) {
	m := newTestManager(t, subTestConfig(), newFakeSubscriberBroker())

	err := m.DeleteSubscriptionByIdentifier(context.Background(), "sub_ghost")
	assert.ErrorIs(t, err, errors.ErrSubscriptionNotFound)
}

func TestDeleteSubscriptionGoneOnBrokerStillClearsRegistry(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	brokerID, err := m.CreateSubscription(context.Background(), "sub_main")
	require.NoError(t, err)

	fb.deleteErr[brokerID] = errors.WrapInvalid(errors.ErrSubscriptionNotFound,
		"broker", "DeleteSubscription", brokerID)

	require.NoError(t, m.DeleteSubscriptionByIdentifier(context.Background(), "sub_main"))
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestDeleteArtifactSubscriptions(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	idOne, err := m.CreateSubscription(context.Background(), "sub_one")
	require.NoError(t, err)
	idTwo, err := m.CreateSubscription(context.Background(), "sub_two")
	require.NoError(t, err)

	// A leftover from a previous run, only known to the broker
	fb.listing = []broker.SubscriptionRecord{
		{ID: "urn:ngsi-ld:Subscription:old", Description: "Artifact-ID: waste, Sub-ID: sub_stale"},
		{ID: "urn:ngsi-ld:Subscription:foreign", Description: "Artifact-ID: other, Sub-ID: sub_x"},
	}

	require.NoError(t, m.DeleteArtifactSubscriptions(context.Background()))

	assert.Contains(t, fb.deleted, idOne)
	assert.Contains(t, fb.deleted, idTwo)
	assert.Contains(t, fb.deleted, "urn:ngsi-ld:Subscription:old")
	assert.NotContains(t, fb.deleted, "urn:ngsi-ld:Subscription:foreign")
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestDeleteArtifactSubscriptionsJoinsErrorsAndClearsRegistry(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	idOne, err := m.CreateSubscription(context.Background(), "sub_one")
	require.NoError(t, err)
	_, err = m.CreateSubscription(context.Background(), "sub_two")
	require.NoError(t, err)

	fb.deleteErr[idOne] = stderrors.New("broker unavailable")

	err = m.DeleteArtifactSubscriptions(context.Background())
	require.Error(t, err)

	// Registry cleared despite the partial failure
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestDeleteArtifactSubscriptionsEmptyRegistryNoOp(t *testing.T) {
	fb := newFakeSubscriberBroker()
	m := newTestManager(t, subTestConfig(), fb)

	require.NoError(t, m.DeleteArtifactSubscriptions(context.Background()))
	assert.Empty(t, fb.deleted)
}

func TestRebuildRegistry(t *testing.T) {
	fb := newFakeSubscriberBroker()
	fb.listing = []broker.SubscriptionRecord{
		{ID: "urn:ngsi-ld:Subscription:1", Description: "Artifact-ID: waste, Sub-ID: sub_main"},
		{ID: "urn:ngsi-ld:Subscription:2", Description: "Artifact-ID: other, Sub-ID: sub_y"},
		{ID: "urn:ngsi-ld:Subscription:3", Description: "unrelated text"},
	}

	m := newTestManager(t, subTestConfig(), fb)

	require.NoError(t, m.RebuildRegistry(context.Background()))

	active := m.ActiveSubscriptions()
	require.Len(t, active, 1)
	assert.Equal(t, "urn:ngsi-ld:Subscription:1", active["sub_main"].BrokerID)
}

func TestGenerateIdentifier(t *testing.T) {
	id := GenerateIdentifier()
	assert.Len(t, id, len("sub_")+8)
	assert.Equal(t, "sub_", id[:4])
	assert.NotEqual(t, id, GenerateIdentifier())
}

func TestBuildSubscriptionData(t *testing.T) {
	cfg := subTestConfig()
	cfg.QFilter = "fillingLevel>0.8"
	m := newTestManager(t, cfg, newFakeSubscriberBroker())

	doc := m.BuildSubscriptionData("sub_main")

	assert.Equal(t, "Subscription", doc.Type)
	assert.Equal(t, []string{"fillingLevel"}, doc.WatchedAttributes)
	assert.Equal(t, "fillingLevel>0.8", doc.Q)
	require.Len(t, doc.Entities, 1)
	assert.Equal(t, "WasteContainer", doc.Entities[0].Type)
}

func TestStartOrchestrationCreatesConfiguredSubscription(t *testing.T) {
	cfg := subTestConfig()
	cfg.SubscriptionIdentifier = "sub_cfg"

	fb := newFakeSubscriberBroker()
	port, err := netutil.FindFreePort()
	require.NoError(t, err)

	m := newTestManager(t, cfg, fb, WithBinding("127.0.0.1", port))
	require.NoError(t, m.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(time.Second) }()

	active := m.ActiveSubscriptions()
	assert.Contains(t, active, "sub_cfg")
	assert.True(t, m.Health().Healthy)
}

func TestStartDeleteOnlySkipsCreation(t *testing.T) {
	cfg := subTestConfig()
	cfg.DeleteOnly = true

	fb := newFakeSubscriberBroker()
	port, err := netutil.FindFreePort()
	require.NoError(t, err)

	m := newTestManager(t, cfg, fb, WithBinding("127.0.0.1", port))
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(time.Second) }()

	assert.Empty(t, fb.created)
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestStartDeletesIdentifierFromPreviousRun(t *testing.T) {
	cfg := subTestConfig()
	cfg.DeleteSubscriptionIdentifier = "sub_stale"
	cfg.DeleteOnly = true

	// The subscription to delete exists only on the broker, left by a
	// previous process whose registry died with it
	fb := newFakeSubscriberBroker()
	fb.listing = []broker.SubscriptionRecord{
		{ID: "urn:ngsi-ld:Subscription:old", Description: "Artifact-ID: waste, Sub-ID: sub_stale"},
	}

	port, err := netutil.FindFreePort()
	require.NoError(t, err)

	m := newTestManager(t, cfg, fb, WithBinding("127.0.0.1", port))
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(time.Second) }()

	assert.Contains(t, fb.deleted, "urn:ngsi-ld:Subscription:old")
	assert.Empty(t, m.ActiveSubscriptions())
}

func TestStartPurgesWhenConfigured(t *testing.T) {
	cfg := subTestConfig()
	cfg.DeleteAllArtifactSubscriptions = true
	cfg.DeleteOnly = true

	fb := newFakeSubscriberBroker()
	fb.listing = []broker.SubscriptionRecord{
		{ID: "urn:ngsi-ld:Subscription:stale", Description: "Artifact-ID: waste, Sub-ID: sub_stale"},
	}

	port, err := netutil.FindFreePort()
	require.NoError(t, err)

	m := newTestManager(t, cfg, fb, WithBinding("127.0.0.1", port))
	require.NoError(t, m.Initialize())

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(time.Second) }()

	assert.Contains(t, fb.deleted, "urn:ngsi-ld:Subscription:stale")
}

func TestForwardNotificationFilters(t *testing.T) {
	m := newTestManager(t, subTestConfig(), newFakeSubscriberBroker())

	watched := &ngsild.Notification{
		ID:             "n1",
		SubscriptionID: "urn:ngsi-ld:Subscription:1",
		NotifiedAt:     time.Now(),
		Data: []map[string]any{{
			"id":           "urn:ngsi-ld:WasteContainer:c1",
			"type":         "WasteContainer",
			"fillingLevel": map[string]any{"type": "Property", "value": 0.9},
		}},
	}
	data, ok := m.forwardNotification(context.Background(), watched)
	assert.True(t, ok)
	assert.Contains(t, string(data), "fillingLevel")

	unwatched := &ngsild.Notification{
		ID:             "n2",
		SubscriptionID: "urn:ngsi-ld:Subscription:1",
		NotifiedAt:     time.Now(),
		Data: []map[string]any{{
			"id":          "urn:ngsi-ld:WasteContainer:c1",
			"type":        "WasteContainer",
			"temperature": map[string]any{"type": "Property", "value": 20.0},
		}},
	}
	_, ok = m.forwardNotification(context.Background(), unwatched)
	assert.False(t, ok)
}

// Package subscription implements the subscription lifecycle manager: it
// owns the registry of broker subscriptions created by this artifact and
// runs the notification endpoint they deliver to.
package subscription

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/broker"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/ngsild"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/pkg/netutil"
)

// SubscriberClient is the slice of the broker API the manager needs.
type SubscriberClient interface {
	CreateSubscription(ctx context.Context, sub ngsild.Subscription) (string, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptions(ctx context.Context) ([]broker.SubscriptionRecord, error)
}

// ActiveSubscription is a registry entry for one broker subscription.
type ActiveSubscription struct {
	Identifier string
	BrokerID   string
	CreatedAt  time.Time
}

// NetworkBinding is the address the notification endpoint listens on, as
// advertised to the broker.
type NetworkBinding struct {
	IP   string
	Port int
}

// Manager is the subscription lifecycle component.
type Manager struct {
	cfg        config.Config
	deps       component.Dependencies
	broker     SubscriberClient
	logger     *slog.Logger
	artifactID string

	binding     NetworkBinding
	bindingSet  bool
	resolvePort func() (int, error)
	resolveIP   func() string

	registry map[string]ActiveSubscription
	mu       sync.Mutex

	endpoint *Endpoint
	metrics  *managerMetrics
	core     *metric.Metrics

	state      component.State
	startTime  time.Time
	errorCount int
	lastError  string
	stateMu    sync.RWMutex
}

// Option configures the Manager.
type Option func(*Manager)

// WithArtifactID overrides the artifact id embedded in subscription
// descriptions.
func WithArtifactID(id string) Option {
	return func(m *Manager) { m.artifactID = id }
}

// WithBinding pins the notification endpoint address instead of resolving
// it at startup.
func WithBinding(ip string, port int) Option {
	return func(m *Manager) {
		m.binding = NetworkBinding{IP: ip, Port: port}
		m.bindingSet = true
	}
}

// NewManager creates the subscription manager.
func NewManager(cfg config.Config, deps component.Dependencies, brokerClient SubscriberClient, opts ...Option) (*Manager, error) {
	if brokerClient == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "subscription", "NewManager",
			"broker client is required")
	}

	m := &Manager{
		cfg:         cfg,
		deps:        deps,
		broker:      brokerClient,
		logger:      deps.GetLoggerWithComponent("subscriber"),
		artifactID:  cfg.ProjectName,
		registry:    make(map[string]ActiveSubscription),
		resolvePort: netutil.FindFreePort,
		resolveIP:   netutil.LocalIP,
		state:       component.StateCreated,
	}
	if m.artifactID == "" {
		m.artifactID = "fiware-bridge"
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Binding returns the resolved notification endpoint address.
func (m *Manager) Binding() NetworkBinding {
	return m.binding
}

// Initialize registers metrics and builds the notification endpoint.
func (m *Manager) Initialize() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.state != component.StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "subscription", "Initialize",
			fmt.Sprintf("state %s", m.state))
	}

	if m.deps.MetricsRegistry != nil {
		metrics, err := newManagerMetrics(m.deps.MetricsRegistry)
		if err != nil {
			return err
		}
		m.metrics = metrics
		m.core = m.deps.MetricsRegistry.CoreMetrics()
	}

	m.endpoint = NewEndpoint(m.cfg, m.logger, m.metrics, m.forwardNotification)

	m.state = component.StateInitialized
	return nil
}

// Start runs the startup orchestration: resolve the network binding, apply
// configured deletions, create the configured subscription, then serve
// notifications until the context is cancelled. Orchestration is strictly
// sequential; brokers are not assumed idempotent under concurrent
// subscription churn.
func (m *Manager) Start(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state != component.StateInitialized {
		m.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "subscription", "Start",
			fmt.Sprintf("state %s", m.state))
	}
	m.stateMu.Unlock()

	if !m.bindingSet {
		port, err := m.resolvePort()
		if err != nil {
			m.failState(err)
			return err
		}
		m.binding = NetworkBinding{IP: m.resolveIP(), Port: port}
		m.bindingSet = true
	}
	m.logger.Info("notification endpoint binding resolved",
		"ip", m.binding.IP, "port", m.binding.Port)

	// The registry is in-memory only. Recover subscriptions left by a
	// previous run from their broker descriptions so the configured
	// deletions can resolve them.
	if err := m.RebuildRegistry(ctx); err != nil {
		m.logger.Warn("registry rebuild from broker failed", "error", err)
	}

	if m.cfg.DeleteAllArtifactSubscriptions {
		if err := m.DeleteArtifactSubscriptions(ctx); err != nil {
			m.logger.Error("artifact subscription purge finished with errors", "error", err)
		}
	} else if m.cfg.DeleteSubscriptionIdentifier != "" {
		err := m.DeleteSubscriptionByIdentifier(ctx, m.cfg.DeleteSubscriptionIdentifier)
		if err != nil && !stderrors.Is(err, errors.ErrSubscriptionNotFound) {
			m.failState(err)
			return err
		}
	}

	if !m.cfg.DeleteOnly {
		identifier := m.cfg.SubscriptionIdentifier
		if identifier == "" {
			identifier = GenerateIdentifier()
		}
		if _, err := m.CreateSubscription(ctx, identifier); err != nil {
			m.failState(err)
			return err
		}
	}

	if err := m.endpoint.Start(m.binding); err != nil {
		m.failState(err)
		return err
	}

	m.stateMu.Lock()
	m.state = component.StateStarted
	m.startTime = time.Now()
	m.stateMu.Unlock()

	return nil
}

// Stop tears the notification endpoint down and releases the port.
func (m *Manager) Stop(timeout time.Duration) error {
	m.stateMu.Lock()
	if m.state != component.StateStarted {
		m.stateMu.Unlock()
		return nil
	}
	m.state = component.StateStopped
	m.stateMu.Unlock()

	return m.endpoint.Stop(timeout)
}

// GenerateIdentifier returns a fresh subscription identifier of the form
// sub_xxxxxxxx.
func GenerateIdentifier() string {
	return "sub_" + uuid.NewString()[:8]
}

// BuildSubscriptionData constructs the subscription document for an
// identifier from the configuration and the resolved binding.
func (m *Manager) BuildSubscriptionData(identifier string) ngsild.Subscription {
	return ngsild.BuildSubscription(ngsild.SubscriptionSpec{
		ArtifactID:        m.artifactID,
		Identifier:        identifier,
		EntityType:        m.cfg.EntityType,
		EntityID:          m.cfg.EntityID,
		WatchedAttributes: m.cfg.WatchedAttributes,
		Q:                 m.cfg.QFilter,
		Context:           m.cfg.Context,
		LocalIP:           m.binding.IP,
		Port:              m.binding.Port,
	})
}

// CreateSubscription registers a subscription under the identifier. An
// identifier that is already active has its broker subscription deleted
// first; if that deletion fails the new subscription is rejected.
func (m *Manager) CreateSubscription(ctx context.Context, identifier string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.registry[identifier]; ok {
		err := m.broker.DeleteSubscription(ctx, existing.BrokerID)
		if err != nil && !stderrors.Is(err, errors.ErrSubscriptionNotFound) {
			return "", errors.WrapTransient(err, "subscription", "CreateSubscription",
				fmt.Sprintf("replace active identifier %s", identifier))
		}
		delete(m.registry, identifier)
		m.logger.Info("replaced existing subscription", "identifier", identifier)
	}

	doc := m.BuildSubscriptionData(identifier)
	brokerID, err := m.broker.CreateSubscription(ctx, doc)
	if err != nil {
		return "", err
	}

	m.registry[identifier] = ActiveSubscription{
		Identifier: identifier,
		BrokerID:   brokerID,
		CreatedAt:  time.Now(),
	}
	m.logger.Info("subscription created", "identifier", identifier, "broker_id", brokerID)
	m.updateActiveGauge()

	return brokerID, nil
}

// DeleteSubscriptionByIdentifier removes the subscription registered under
// the identifier. Unknown identifiers return ErrSubscriptionNotFound.
func (m *Manager) DeleteSubscriptionByIdentifier(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, ok := m.registry[identifier]
	if !ok {
		return errors.WrapInvalid(errors.ErrSubscriptionNotFound, "subscription",
			"DeleteSubscriptionByIdentifier", fmt.Sprintf("identifier %s", identifier))
	}

	if err := m.broker.DeleteSubscription(ctx, active.BrokerID); err != nil {
		if !stderrors.Is(err, errors.ErrSubscriptionNotFound) {
			return err
		}
		// Already gone on the broker side, still drop the registry entry
	}

	delete(m.registry, identifier)
	m.logger.Info("subscription deleted", "identifier", identifier)
	m.updateActiveGauge()
	return nil
}

// DeleteArtifactSubscriptions deletes every subscription this artifact
// owns: all registry entries plus any broker-side subscription whose
// description carries this artifact id (left over from a previous run).
// Deletions are attempted independently and errors are joined; the
// registry is cleared regardless.
func (m *Manager) DeleteArtifactSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	seen := make(map[string]struct{})

	for identifier, active := range m.registry {
		seen[active.BrokerID] = struct{}{}
		err := m.broker.DeleteSubscription(ctx, active.BrokerID)
		if err != nil && !stderrors.Is(err, errors.ErrSubscriptionNotFound) {
			errs = append(errs, errors.Wrap(err, "subscription",
				"DeleteArtifactSubscriptions", identifier))
		}
	}
	m.registry = make(map[string]ActiveSubscription)

	// Sweep broker-side leftovers from previous runs
	records, err := m.broker.ListSubscriptions(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, record := range records {
			artifact, _, ok := ngsild.ParseDescription(record.Description)
			if !ok || artifact != m.artifactID {
				continue
			}
			if _, done := seen[record.ID]; done {
				continue
			}
			err := m.broker.DeleteSubscription(ctx, record.ID)
			if err != nil && !stderrors.Is(err, errors.ErrSubscriptionNotFound) {
				errs = append(errs, errors.Wrap(err, "subscription",
					"DeleteArtifactSubscriptions", record.ID))
			}
		}
	}

	m.updateActiveGauge()
	return stderrors.Join(errs...)
}

// RebuildRegistry repopulates the registry from broker-side subscriptions
// whose descriptions carry this artifact id.
func (m *Manager) RebuildRegistry(ctx context.Context) error {
	records, err := m.broker.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range records {
		artifact, identifier, ok := ngsild.ParseDescription(record.Description)
		if !ok || artifact != m.artifactID {
			continue
		}
		m.registry[identifier] = ActiveSubscription{
			Identifier: identifier,
			BrokerID:   record.ID,
			CreatedAt:  time.Now(),
		}
	}

	m.updateActiveGauge()
	return nil
}

// ActiveSubscriptions returns a copy of the registry.
func (m *Manager) ActiveSubscriptions() map[string]ActiveSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ActiveSubscription, len(m.registry))
	for identifier, active := range m.registry {
		out[identifier] = active
	}
	return out
}

// forwardNotification filters a parsed notification and forwards it over
// the messaging fabric when it touches a watched attribute. Returns the
// forwarded document for the live feed, or ok=false when the notification
// was filtered out or forwarding failed.
func (m *Manager) forwardNotification(ctx context.Context, n *ngsild.Notification) ([]byte, bool) {
	if !n.TouchesWatched(m.cfg.WatchedAttributes) {
		if m.metrics != nil {
			m.metrics.notificationsFiltered.Inc()
		}
		return nil, false
	}

	forwarded := ngsild.Notification{
		ID:             n.ID,
		SubscriptionID: n.SubscriptionID,
		NotifiedAt:     n.NotifiedAt,
		Data:           n.FilterAttributes(m.cfg.WatchedAttributes),
	}

	data, err := json.Marshal(forwarded)
	if err != nil {
		m.recordError(err)
		return nil, false
	}

	if m.deps.NATSClient != nil {
		if err := m.deps.NATSClient.Publish(ctx, m.cfg.NotificationSubject, data); err != nil {
			m.recordError(errors.WrapTransient(err, "subscription", "forwardNotification",
				fmt.Sprintf("publish to %s", m.cfg.NotificationSubject)))
			if m.core != nil {
				m.core.RecordError("subscriber", "forward")
			}
			return nil, false
		}
		if m.core != nil {
			m.core.RecordMessagePublished("subscriber", m.cfg.NotificationSubject)
		}
	}

	if m.metrics != nil {
		m.metrics.notificationsForwarded.Inc()
	}
	return data, true
}

func (m *Manager) updateActiveGauge() {
	if m.metrics != nil {
		m.metrics.activeSubscriptions.Set(float64(len(m.registry)))
	}
}

func (m *Manager) failState(err error) {
	m.stateMu.Lock()
	m.state = component.StateFailed
	m.errorCount++
	m.lastError = err.Error()
	m.stateMu.Unlock()
}

func (m *Manager) recordError(err error) {
	m.stateMu.Lock()
	m.errorCount++
	m.lastError = err.Error()
	m.stateMu.Unlock()
	m.logger.Error("subscription manager error", "error", err)
}

// Meta implements component.Discoverable.
func (m *Manager) Meta() component.Metadata {
	return component.Metadata{
		Name:        "subscriber",
		Type:        "subscriber",
		Description: "Manages NGSI-LD broker subscriptions and serves their notification endpoint",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (m *Manager) Health() component.HealthStatus {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	var uptime time.Duration
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}

	return component.HealthStatus{
		Healthy:    m.state == component.StateStarted,
		LastCheck:  time.Now(),
		ErrorCount: m.errorCount,
		LastError:  m.lastError,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (m *Manager) DataFlow() component.FlowMetrics {
	if m.endpoint == nil {
		return component.FlowMetrics{}
	}
	return m.endpoint.flowMetrics()
}

// Package inserter implements the entity reconciler artifact: it consumes
// agent payloads from the messaging fabric, renders them into NGSI-LD
// entities, and reconciles them against the context broker.
package inserter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/ngsild"
)

// BrokerClient is the slice of the broker API the reconciler needs.
type BrokerClient interface {
	EntityExists(ctx context.Context, entityID string) (bool, error)
	CreateEntity(ctx context.Context, entity map[string]any) error
	UpdateAttribute(ctx context.Context, entityID, name string, attr any) error
}

// DataProcessor transforms an incoming payload into one or more payloads
// before rendering. Returning an error aborts that payload only.
type DataProcessor func(payload map[string]any) ([]map[string]any, error)

const defaultQueueSize = 256

// Artifact is the entity reconciler component.
type Artifact struct {
	cfg       config.Config
	deps      component.Dependencies
	broker    BrokerClient
	logger    *slog.Logger
	processor DataProcessor

	payloadCh chan map[string]any
	stopCh    chan struct{}
	done      chan struct{}

	metrics *artifactMetrics
	core    *metric.Metrics

	state        component.State
	startTime    time.Time
	lastActivity atomic.Value // stores time.Time
	errorCount   atomic.Int32
	lastError    atomic.Value // stores string
	processed    atomic.Int64
	mu           sync.RWMutex
}

// Option configures the Artifact.
type Option func(*Artifact)

// WithDataProcessor installs a payload transformation hook.
func WithDataProcessor(p DataProcessor) Option {
	return func(a *Artifact) { a.processor = p }
}

// WithQueueSize overrides the payload queue depth.
func WithQueueSize(n int) Option {
	return func(a *Artifact) {
		if n > 0 {
			a.payloadCh = make(chan map[string]any, n)
		}
	}
}

// NewArtifact creates the reconciler for the given configuration.
func NewArtifact(cfg config.Config, deps component.Dependencies, broker BrokerClient, opts ...Option) (*Artifact, error) {
	if broker == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "inserter", "NewArtifact",
			"broker client is required")
	}

	a := &Artifact{
		cfg:       cfg,
		deps:      deps,
		broker:    broker,
		logger:    deps.GetLoggerWithComponent("inserter"),
		payloadCh: make(chan map[string]any, defaultQueueSize),
		state:     component.StateCreated,
	}
	a.lastError.Store("")
	a.lastActivity.Store(time.Time{})

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Initialize registers metrics and prepares the artifact for Start.
func (a *Artifact) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != component.StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "inserter", "Initialize",
			fmt.Sprintf("state %s", a.state))
	}

	if a.deps.MetricsRegistry != nil {
		metrics, err := newArtifactMetrics(a.deps.MetricsRegistry)
		if err != nil {
			return err
		}
		a.metrics = metrics
		a.core = a.deps.MetricsRegistry.CoreMetrics()
	}

	a.state = component.StateInitialized
	return nil
}

// Start subscribes to the payload subject and launches the reconciliation
// loop. The loop runs until ctx is cancelled.
func (a *Artifact) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != component.StateInitialized {
		a.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "inserter", "Start",
			fmt.Sprintf("state %s", a.state))
	}
	a.state = component.StateStarted
	a.startTime = time.Now()
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	if a.deps.NATSClient != nil {
		err := a.deps.NATSClient.Subscribe(ctx, a.cfg.PayloadSubject, a.handleMessage)
		if err != nil {
			a.mu.Lock()
			a.state = component.StateFailed
			a.mu.Unlock()
			return errors.WrapTransient(err, "inserter", "Start",
				fmt.Sprintf("subscribe to %s", a.cfg.PayloadSubject))
		}
		a.logger.Info("subscribed to payload subject", "subject", a.cfg.PayloadSubject)
	}

	go a.reconcileLoop(ctx, a.stopCh)
	return nil
}

// Stop signals the reconciliation loop and waits for it to exit. The
// loop also exits on cancellation of the Start context.
func (a *Artifact) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if a.state != component.StateStarted {
		a.mu.Unlock()
		return nil
	}
	a.state = component.StateStopped
	close(a.stopCh)
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "inserter", "Stop",
			fmt.Sprintf("reconcile loop did not exit within %v", timeout))
	}
}

// Enqueue hands a payload to the reconciler directly, bypassing NATS. Used
// by embedders and tests. Returns false when the queue is full.
func (a *Artifact) Enqueue(payload map[string]any) bool {
	select {
	case a.payloadCh <- payload:
		if a.metrics != nil {
			a.metrics.payloadsReceived.Inc()
		}
		if a.core != nil {
			a.core.RecordMessageReceived("inserter", "payload")
		}
		return true
	default:
		if a.metrics != nil {
			a.metrics.payloadsDropped.Inc()
		}
		return false
	}
}

// handleMessage parses an ingress message and queues it. Malformed JSON is
// logged and dropped, never queued.
func (a *Artifact) handleMessage(_ context.Context, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		a.recordError("malformed payload dropped", err)
		if a.metrics != nil {
			a.metrics.payloadsDropped.Inc()
		}
		if a.core != nil {
			a.core.RecordError("inserter", "decode")
		}
		return
	}

	if !a.Enqueue(payload) {
		a.logger.Warn("payload queue full, dropping payload")
	}
}

func (a *Artifact) reconcileLoop(ctx context.Context, stop <-chan struct{}) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("reconcile loop stopped")
			return
		case <-stop:
			a.logger.Info("reconcile loop stopped")
			return
		case payload := <-a.payloadCh:
			start := time.Now()
			if err := a.processPayload(ctx, payload); err != nil {
				a.recordError("payload processing failed", err)
				if a.core != nil {
					a.core.RecordMessageProcessed("inserter", "payload", "error")
					a.core.RecordError("inserter", "reconcile")
				}
			} else {
				a.processed.Add(1)
				if a.core != nil {
					a.core.RecordMessageProcessed("inserter", "payload", "success")
				}
			}
			a.lastActivity.Store(time.Now())
			if a.metrics != nil {
				a.metrics.reconcileDuration.Observe(time.Since(start).Seconds())
			}
			if a.core != nil {
				a.core.RecordProcessingDuration("inserter", "reconcile", time.Since(start))
			}
		}
	}
}

// processPayload applies the optional processor hook, then renders and
// reconciles each resulting payload.
func (a *Artifact) processPayload(ctx context.Context, payload map[string]any) error {
	payloads := []map[string]any{payload}
	if a.processor != nil {
		out, err := a.processor(payload)
		if err != nil {
			return errors.WrapInvalid(err, "inserter", "processPayload", "data processor")
		}
		payloads = out
	}

	var errs []error
	for _, p := range payloads {
		if err := a.ProcessAndSendData(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// ProcessAndSendData renders a payload into an entity document and
// reconciles it with the broker.
func (a *Artifact) ProcessAndSendData(ctx context.Context, payload map[string]any) error {
	entity := payload
	if a.cfg.JSONTemplate != nil {
		rendered, err := ngsild.Render(a.cfg.JSONTemplate, payload)
		if err != nil {
			return err
		}
		entity = rendered
	}

	entityType, _ := entity["type"].(string)
	if entityType == "" {
		entityType = a.cfg.EntityType
		if entityType != "" {
			entity["type"] = entityType
		}
	}
	rawID, _ := entity["id"].(string)
	if rawID == "" {
		rawID = a.cfg.EntityID
	}
	if entityType == "" || rawID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "inserter", "ProcessAndSendData",
			"rendered entity is missing id or type")
	}

	entityID := ngsild.FormatEntityID(entityType, rawID)
	entity["id"] = entityID

	cleaned := ngsild.Clean(entity, a.cfg.ExceptionSet())

	return a.UpdateOrCreateEntity(ctx, entityID, cleaned)
}

// UpdateOrCreateEntity is the sole mutation path against the broker: an
// absent entity is created, a present one is updated attribute by
// attribute.
func (a *Artifact) UpdateOrCreateEntity(ctx context.Context, entityID string, entity map[string]any) error {
	exists, err := a.broker.EntityExists(ctx, entityID)
	if err != nil {
		if a.metrics != nil {
			a.metrics.brokerErrors.Inc()
		}
		return err
	}

	if !exists {
		err := a.broker.CreateEntity(ctx, entity)
		if err == nil {
			a.logger.Info("entity created", "entity", entityID)
			if a.metrics != nil {
				a.metrics.entitiesCreated.Inc()
			}
			return nil
		}
		if !stderrors.Is(err, errors.ErrEntityExists) {
			if a.metrics != nil {
				a.metrics.brokerErrors.Inc()
			}
			return err
		}
		// Lost a create race, fall through to update
		a.logger.Warn("entity appeared during create, updating instead", "entity", entityID)
	}

	if len(a.cfg.ColumnsUpdate) > 0 {
		return a.UpdateSpecificAttributes(ctx, entityID, entity)
	}
	return a.UpdateAllAttributes(ctx, entityID, entity)
}

// UpdateAllAttributes upserts every attribute of the entity. Per-attribute
// failures are logged and the remaining attributes are still attempted.
func (a *Artifact) UpdateAllAttributes(ctx context.Context, entityID string, entity map[string]any) error {
	return a.updateAttributes(ctx, entityID, entity, nil)
}

// UpdateSpecificAttributes upserts only the attributes named in the
// columns_update allow-list.
func (a *Artifact) UpdateSpecificAttributes(ctx context.Context, entityID string, entity map[string]any) error {
	allowed := make(map[string]struct{}, len(a.cfg.ColumnsUpdate))
	for _, name := range a.cfg.ColumnsUpdate {
		allowed[name] = struct{}{}
	}
	return a.updateAttributes(ctx, entityID, entity, allowed)
}

func (a *Artifact) updateAttributes(ctx context.Context, entityID string, entity map[string]any, allowed map[string]struct{}) error {
	var errs []error
	updated := 0

	for name, attr := range entity {
		if name == "id" || name == "type" || name == "@context" {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}

		if err := a.broker.UpdateAttribute(ctx, entityID, name, attr); err != nil {
			a.logger.Error("attribute update failed", "entity", entityID, "attribute", name, "error", err)
			if a.metrics != nil {
				a.metrics.brokerErrors.Inc()
			}
			errs = append(errs, errors.Wrap(err, "inserter", "updateAttributes", name))
			continue
		}
		updated++
	}

	if updated > 0 {
		a.logger.Debug("entity updated", "entity", entityID, "attributes", updated)
		if a.metrics != nil {
			a.metrics.entitiesUpdated.Inc()
		}
	}

	return stderrors.Join(errs...)
}

func (a *Artifact) recordError(msg string, err error) {
	a.errorCount.Add(1)
	a.lastError.Store(err.Error())
	a.logger.Error(msg, "error", err)
}

// Meta implements component.Discoverable.
func (a *Artifact) Meta() component.Metadata {
	return component.Metadata{
		Name:        "inserter",
		Type:        "inserter",
		Description: "Renders agent payloads into NGSI-LD entities and reconciles them with the context broker",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (a *Artifact) Health() component.HealthStatus {
	a.mu.RLock()
	state := a.state
	start := a.startTime
	a.mu.RUnlock()

	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}

	return component.HealthStatus{
		Healthy:    state == component.StateStarted,
		LastCheck:  time.Now(),
		ErrorCount: int(a.errorCount.Load()),
		LastError:  a.lastError.Load().(string),
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (a *Artifact) DataFlow() component.FlowMetrics {
	last, _ := a.lastActivity.Load().(time.Time)

	a.mu.RLock()
	start := a.startTime
	a.mu.RUnlock()

	var rate float64
	if !start.IsZero() {
		if secs := time.Since(start).Seconds(); secs > 0 {
			rate = float64(a.processed.Load()) / secs
		}
	}

	return component.FlowMetrics{
		MessagesPerSecond: rate,
		LastActivity:      last,
	}
}

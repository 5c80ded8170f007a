// Package artifacts provides a bridge between an agent-messaging fabric
// and an NGSI-LD context broker.
//
// # Architecture
//
// The bridge runs two long-lived components wired over NATS:
//
//	┌──────────────┐   payloads    ┌──────────────┐   HTTP    ┌──────────┐
//	│     NATS     ├──────────────►│   Inserter   ├──────────►│  NGSI-LD │
//	│    fabric    │               │ (reconciler) │           │  broker  │
//	│              │◄──────────────┤  Subscriber  │◄──────────┤          │
//	└──────────────┘ notifications │  (lifecycle) │  notify   └──────────┘
//	                               └──────────────┘
//
// The inserter consumes raw JSON payloads from a configured subject,
// renders them through an optional template, classifies attributes into
// NGSI-LD shape (Property, GeoProperty, Relationship), and
// creates-or-updates broker entities.
//
// The subscriber builds subscription documents pointing at an embedded
// notification endpoint on a dynamically chosen free port, manages their
// lifecycle on the broker (create, delete by identifier, artifact-wide
// purge), and forwards notifications that touch a watched attribute back
// onto the fabric. A websocket feed on the same listener mirrors every
// forwarded notification for local tooling.
//
// Subscriptions created by this bridge are tagged through their broker
// description ("Artifact-ID: ..., Sub-ID: ...") so the registry can be
// rebuilt and stale subscriptions swept after a restart.
//
// # Packages
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - metric: Prometheus metrics registry and HTTP handler
//   - health: health check monitoring and aggregation
//   - errors: classified error handling
//   - config: configuration loading and validation
//   - component: component lifecycle and discovery contracts
//
// Domain:
//   - ngsild: NGSI-LD data model, template renderer, attribute classifier
//   - broker: NGSI-LD context broker HTTP client
//   - inserter: entity reconciler component
//   - subscription: subscription lifecycle manager and notification endpoint
//
// Utilities:
//   - pkg/cache: TTL cache for recent notification state
//   - pkg/netutil: free-port scan and local address discovery
//   - pkg/retry: retry policies
//
// # Binary
//
// cmd/fiware-bridge loads a JSON configuration, connects to NATS and the
// broker, and runs both components until SIGINT/SIGTERM:
//
//	./bin/fiware-bridge --config configs/bridge.json
package artifacts

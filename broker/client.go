// Package broker implements the NGSI-LD context broker HTTP client.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/ngsild"
)

const (
	entitiesPath      = "/ngsi-ld/v1/entities"
	subscriptionsPath = "/ngsi-ld/v1/subscriptions"

	contentJSON   = "application/json"
	contentJSONLD = "application/ld+json"
)

// Client talks to an NGSI-LD context broker over HTTP.
type Client struct {
	baseURL    string
	tenant     string
	contextURL string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithTenant sets the NGSILD-Tenant header sent on every request.
func WithTenant(tenant string) Option {
	return func(c *Client) { c.tenant = tenant }
}

// WithContextURL sets the JSON-LD context linked on non-ld requests.
func WithContextURL(url string) Option {
	return func(c *Client) { c.contextURL = url }
}

// WithTimeout bounds every broker request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables broker request metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a broker client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the broker base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, operation, method, path, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.WrapInvalid(err, "broker", operation, "build request")
	}

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tenant != "" {
		req.Header.Set("NGSILD-Tenant", c.tenant)
	}
	if c.contextURL != "" && contentType != contentJSONLD {
		req.Header.Set("Link", fmt.Sprintf(
			`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`,
			c.contextURL))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordBrokerRequest(operation, "error", time.Since(start))
		}
		return nil, errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", operation,
			fmt.Sprintf("%s %s: %v", method, path, err))
	}

	if c.metrics != nil {
		c.metrics.RecordBrokerRequest(operation, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))
	}

	return resp, nil
}

// drainAndClose reads a response body to completion so the connection can
// be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// EntityExists checks whether an entity is stored by the broker. A timeout
// or connection failure is an error, never "absent".
func (c *Client) EntityExists(ctx context.Context, entityID string) (bool, error) {
	resp, err := c.do(ctx, "entity_exists", http.MethodGet, entitiesPath+"/"+entityID, "", nil)
	if err != nil {
		return false, err
	}
	defer drainAndClose(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "EntityExists",
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, entityID))
	}
}

// CreateEntity stores a new entity. A 409 from the broker maps to
// ErrEntityExists so the caller can route to an update instead.
func (c *Client) CreateEntity(ctx context.Context, entity map[string]any) error {
	body, err := json.Marshal(entity)
	if err != nil {
		return errors.WrapInvalid(err, "broker", "CreateEntity", "marshal entity")
	}

	contentType := contentJSON
	if _, ok := entity["@context"]; ok {
		contentType = contentJSONLD
	}

	resp, err := c.do(ctx, "create_entity", http.MethodPost, entitiesPath, contentType, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return errors.WrapInvalid(errors.ErrEntityExists, "broker", "CreateEntity",
			fmt.Sprintf("entity %v already exists", entity["id"]))
	default:
		return errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "CreateEntity",
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// UpdateAttribute patches a single attribute on a stored entity. Brokers
// answer 207 or 404 when the attribute is unknown to the stored entity; in
// that case the attribute is appended via POST instead.
func (c *Client) UpdateAttribute(ctx context.Context, entityID, name string, attr any) error {
	body, err := json.Marshal(attr)
	if err != nil {
		return errors.WrapInvalid(err, "broker", "UpdateAttribute", "marshal attribute")
	}

	path := entitiesPath + "/" + entityID + "/attrs/" + name
	resp, err := c.do(ctx, "update_attribute", http.MethodPatch, path, contentJSON, body)
	if err != nil {
		return err
	}
	drainAndClose(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusMultiStatus:
		return nil
	case resp.StatusCode == http.StatusMultiStatus || resp.StatusCode == http.StatusNotFound:
		return c.appendAttribute(ctx, entityID, name, attr)
	default:
		return errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "UpdateAttribute",
			fmt.Sprintf("unexpected status %d for %s/%s", resp.StatusCode, entityID, name))
	}
}

func (c *Client) appendAttribute(ctx context.Context, entityID, name string, attr any) error {
	body, err := json.Marshal(map[string]any{name: attr})
	if err != nil {
		return errors.WrapInvalid(err, "broker", "appendAttribute", "marshal attribute")
	}

	path := entitiesPath + "/" + entityID + "/attrs"
	resp, err := c.do(ctx, "append_attribute", http.MethodPost, path, contentJSON, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "appendAttribute",
		fmt.Sprintf("unexpected status %d for %s/%s", resp.StatusCode, entityID, name))
}

// CreateSubscription registers a subscription with the broker and returns
// the broker-assigned id from the Location header.
func (c *Client) CreateSubscription(ctx context.Context, sub ngsild.Subscription) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", errors.WrapInvalid(err, "broker", "CreateSubscription", "marshal subscription")
	}

	resp, err := c.do(ctx, "create_subscription", http.MethodPost, subscriptionsPath, contentJSONLD, body)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", errors.WrapTransient(errors.ErrSubscriptionFailed, "broker", "CreateSubscription",
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.WrapTransient(errors.ErrSubscriptionFailed, "broker", "CreateSubscription",
			"broker returned 201 without Location header")
	}
	return location, nil
}

// DeleteSubscription removes a subscription by broker id.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	resp, err := c.do(ctx, "delete_subscription", http.MethodDelete,
		subscriptionsPath+"/"+subscriptionID, "", nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.WrapInvalid(errors.ErrSubscriptionNotFound, "broker", "DeleteSubscription",
			fmt.Sprintf("subscription %s", subscriptionID))
	default:
		return errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "DeleteSubscription",
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, subscriptionID))
	}
}

// SubscriptionRecord is the slice of a stored subscription the bridge
// needs: the broker id and the description carrying the registry key.
type SubscriptionRecord struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ListSubscriptions returns all subscriptions stored by the broker.
func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	resp, err := c.do(ctx, "list_subscriptions", http.MethodGet, subscriptionsPath, "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.WrapTransient(errors.ErrBrokerUnavailable, "broker", "ListSubscriptions",
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	var records []SubscriptionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "broker", "ListSubscriptions",
			fmt.Sprintf("decode subscription list: %v", err))
	}
	return records, nil
}

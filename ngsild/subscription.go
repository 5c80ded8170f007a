package ngsild

import (
	"fmt"
	"regexp"
)

// Subscription describes an NGSI-LD subscription document.
type Subscription struct {
	Type              string         `json:"type"`
	Description       string         `json:"description,omitempty"`
	Entities          []EntitySel    `json:"entities"`
	WatchedAttributes []string       `json:"watchedAttributes,omitempty"`
	Q                 string         `json:"q,omitempty"`
	Notification      NotificationCh `json:"notification"`
	Context           []string       `json:"@context,omitempty"`
}

// EntitySel selects the entities a subscription covers.
type EntitySel struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// NotificationCh describes where and how notifications are delivered.
type NotificationCh struct {
	Attributes []string `json:"attributes,omitempty"`
	Format     string   `json:"format,omitempty"`
	Endpoint   Endpoint `json:"endpoint"`
}

// Endpoint is the notification delivery target.
type Endpoint struct {
	URI    string `json:"uri"`
	Accept string `json:"accept,omitempty"`
}

// SubscriptionSpec carries the configuration needed to build a
// subscription document.
type SubscriptionSpec struct {
	ArtifactID        string
	Identifier        string
	EntityType        string
	EntityID          string
	WatchedAttributes []string
	Q                 string
	Context           []string
	LocalIP           string
	Port              int
}

// BuildSubscription constructs the subscription document the broker will
// store. The description embeds the artifact and identifier so the registry
// can be rebuilt from the broker after a restart.
func BuildSubscription(spec SubscriptionSpec) Subscription {
	entity := EntitySel{Type: spec.EntityType}
	if spec.EntityID != "" {
		entity.ID = FormatEntityID(spec.EntityType, spec.EntityID)
	}

	sub := Subscription{
		Type:              "Subscription",
		Description:       FormatDescription(spec.ArtifactID, spec.Identifier),
		Entities:          []EntitySel{entity},
		WatchedAttributes: spec.WatchedAttributes,
		Q:                 spec.Q,
		Notification: NotificationCh{
			Endpoint: Endpoint{
				URI:    fmt.Sprintf("http://%s:%d/notify", spec.LocalIP, spec.Port),
				Accept: "application/json",
			},
		},
		Context: spec.Context,
	}

	if len(spec.WatchedAttributes) > 0 {
		sub.Notification.Attributes = spec.WatchedAttributes
	}

	return sub
}

var descriptionRegex = regexp.MustCompile(`^Artifact-ID: (.+), Sub-ID: (.+)$`)

// FormatDescription builds the round-trippable registry key stored in the
// subscription description.
func FormatDescription(artifactID, identifier string) string {
	return fmt.Sprintf("Artifact-ID: %s, Sub-ID: %s", artifactID, identifier)
}

// ParseDescription recovers the artifact id and identifier from a
// subscription description. Returns ok=false for descriptions written by
// other producers.
func ParseDescription(description string) (artifactID, identifier string, ok bool) {
	matches := descriptionRegex.FindStringSubmatch(description)
	if matches == nil {
		return "", "", false
	}
	return matches[1], matches[2], true
}

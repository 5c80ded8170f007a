package ngsild

import "time"

// Notification is the document a broker POSTs to the notification endpoint.
type Notification struct {
	ID             string           `json:"id"`
	Type           string           `json:"type,omitempty"`
	SubscriptionID string           `json:"subscriptionId"`
	NotifiedAt     time.Time        `json:"notifiedAt"`
	Data           []map[string]any `json:"data"`
}

// FilterAttributes projects each notified entity down to id, type, and the
// watched attributes. An empty watch list keeps entities whole.
func (n *Notification) FilterAttributes(watched []string) []map[string]any {
	if len(watched) == 0 {
		return n.Data
	}

	watchSet := make(map[string]struct{}, len(watched))
	for _, attr := range watched {
		watchSet[attr] = struct{}{}
	}

	filtered := make([]map[string]any, 0, len(n.Data))
	for _, entity := range n.Data {
		out := make(map[string]any)
		for key, value := range entity {
			if key == "id" || key == "type" {
				out[key] = value
				continue
			}
			if _, ok := watchSet[key]; ok {
				out[key] = value
			}
		}
		filtered = append(filtered, out)
	}
	return filtered
}

// TouchesWatched reports whether any notified entity carries at least one
// watched attribute. An empty watch list matches everything.
func (n *Notification) TouchesWatched(watched []string) bool {
	if len(watched) == 0 {
		return true
	}

	watchSet := make(map[string]struct{}, len(watched))
	for _, attr := range watched {
		watchSet[attr] = struct{}{}
	}

	for _, entity := range n.Data {
		for key := range entity {
			if _, ok := watchSet[key]; ok {
				return true
			}
		}
	}
	return false
}

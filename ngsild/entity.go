package ngsild

import "strings"

// reservedKeys pass through Clean untouched.
var reservedKeys = map[string]struct{}{
	"id":       {},
	"type":     {},
	"@context": {},
}

// Clean normalizes a rendered entity document for the broker:
//   - reserved keys (id, type, @context) pass through
//   - keys in exceptions pass through raw
//   - nil values are dropped
//   - values already tagged as attributes pass through
//   - anything else is wrapped as {"type": "Property", "value": v}
func Clean(entity map[string]any, exceptions map[string]struct{}) map[string]any {
	out := make(map[string]any, len(entity))

	for key, value := range entity {
		if _, reserved := reservedKeys[key]; reserved {
			out[key] = value
			continue
		}
		if _, excepted := exceptions[key]; excepted {
			out[key] = value
			continue
		}
		if value == nil {
			continue
		}
		if IsAttribute(value) {
			out[key] = value
			continue
		}
		out[key] = map[string]any{
			"type":  "Property",
			"value": value,
		}
	}

	return out
}

// URNPrefix is the NGSI-LD entity id namespace.
const URNPrefix = "urn:ngsi-ld:"

// FormatEntityID builds a fully qualified NGSI-LD entity id. Ids that
// already carry the urn prefix pass through; an empty id returns empty.
func FormatEntityID(entityType, id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, URNPrefix) {
		return id
	}
	return URNPrefix + entityType + ":" + id
}

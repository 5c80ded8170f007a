// Package ngsild implements the NGSI-LD data model used by the bridge:
// attribute classification, entity templates, subscription documents, and
// notification payloads.
package ngsild

// AttributeKind identifies the NGSI-LD attribute variant.
type AttributeKind int

const (
	// KindInvalid marks a value that is not a recognizable attribute
	KindInvalid AttributeKind = iota
	// KindProperty is a plain NGSI-LD Property
	KindProperty
	// KindGeoProperty is a GeoProperty carrying GeoJSON coordinates
	KindGeoProperty
	// KindRelationship is a Relationship pointing at another entity
	KindRelationship
)

// String returns the NGSI-LD type tag for the kind.
func (k AttributeKind) String() string {
	switch k {
	case KindProperty:
		return "Property"
	case KindGeoProperty:
		return "GeoProperty"
	case KindRelationship:
		return "Relationship"
	default:
		return "Invalid"
	}
}

// Classify determines the attribute kind of a value. Tagged maps are keyed
// on their NGSI-LD "type" field; untagged maps fall back to structural
// detection: "coordinates" means GeoProperty, "object" means Relationship,
// "value" means Property.
func Classify(value any) AttributeKind {
	m, ok := value.(map[string]any)
	if !ok {
		return KindInvalid
	}

	if tag, ok := m["type"].(string); ok {
		switch tag {
		case "Property":
			return KindProperty
		case "GeoProperty":
			return KindGeoProperty
		case "Relationship":
			return KindRelationship
		}
	}

	if inner, ok := m["value"].(map[string]any); ok {
		if _, ok := inner["coordinates"]; ok {
			return KindGeoProperty
		}
	}
	if _, ok := m["coordinates"]; ok {
		return KindGeoProperty
	}
	if _, ok := m["object"]; ok {
		return KindRelationship
	}
	if _, ok := m["value"]; ok {
		return KindProperty
	}

	return KindInvalid
}

// IsAttribute reports whether the value carries a recognizable NGSI-LD
// attribute shape.
func IsAttribute(value any) bool {
	return Classify(value) != KindInvalid
}

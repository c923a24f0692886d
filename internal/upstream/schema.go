package upstream

import "strings"

// Schema keywords the upstream validator rejects outright.
var unsupportedSchemaFields = map[string]struct{}{
	"additionalProperties":  {},
	"$schema":               {},
	"$id":                   {},
	"$comment":              {},
	"$ref":                  {},
	"$defs":                 {},
	"definitions":           {},
	"const":                 {},
	"contentMediaType":      {},
	"contentEncoding":       {},
	"if":                    {},
	"then":                  {},
	"else":                  {},
	"not":                   {},
	"patternProperties":     {},
	"unevaluatedProperties": {},
	"unevaluatedItems":      {},
	"dependentRequired":     {},
	"dependentSchemas":      {},
	"propertyNames":         {},
	"minContains":           {},
	"maxContains":           {},
}

// SanitizeSchema rewrites a JSON-Schema fragment into the restricted form
// the upstream accepts: uppercase type names, no unsupported keywords, a
// collapsed anyOf/oneOf, placeholder properties for empty objects. In
// aggressive mode parameter descriptions are dropped too, which recovers
// from schema-validation 400s at the cost of tool ergonomics.
func SanitizeSchema(schema any, aggressive bool) any {
	switch s := schema.(type) {
	case bool:
		if s {
			return map[string]any{"type": "STRING"}
		}
		return map[string]any{"type": "NULL"}
	case map[string]any:
		return sanitizeObject(s, aggressive)
	default:
		return schema
	}
}

func sanitizeObject(schema map[string]any, aggressive bool) map[string]any {
	if alts := alternatives(schema); len(alts) > 0 {
		best := alts[0]
		for _, alt := range alts {
			if m, ok := alt.(map[string]any); ok && m["type"] == "object" {
				best = alt
				break
			}
		}
		if m, ok := SanitizeSchema(best, aggressive).(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}

	propertyNames := map[string]struct{}{}
	if props, ok := schema["properties"].(map[string]any); ok {
		for name := range props {
			propertyNames[name] = struct{}{}
		}
	}

	result := map[string]any{}
	for key, value := range schema {
		if _, banned := unsupportedSchemaFields[key]; banned {
			continue
		}
		switch key {
		case "type":
			if t, ok := value.(string); ok {
				result[key] = strings.ToUpper(t)
			}
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			if len(props) == 0 {
				result[key] = map[string]any{
					"_placeholder": map[string]any{
						"type":        "BOOLEAN",
						"description": "Technical placeholder to ensure non-empty schema",
					},
				}
				continue
			}
			clean := make(map[string]any, len(props))
			for name, prop := range props {
				clean[name] = SanitizeSchema(prop, aggressive)
			}
			result[key] = clean
		case "items":
			result[key] = SanitizeSchema(value, aggressive)
		case "required":
			reqs, ok := value.([]any)
			if !ok {
				continue
			}
			if len(propertyNames) > 0 {
				var valid []any
				for _, r := range reqs {
					name, ok := r.(string)
					if !ok {
						continue
					}
					if _, known := propertyNames[name]; known {
						valid = append(valid, name)
					}
				}
				if len(valid) > 0 {
					result[key] = valid
				}
			}
		case "description":
			if !aggressive {
				result[key] = value
			}
		case "enum", "format", "default", "examples":
			result[key] = value
		}
	}

	// Array schemas must carry items.
	if result["type"] == "ARRAY" {
		if _, ok := result["items"]; !ok {
			result["items"] = map[string]any{"type": "STRING"}
		}
	}
	if _, ok := result["type"]; !ok {
		if _, hasProps := schema["properties"]; hasProps {
			result["type"] = "OBJECT"
		}
	}
	return result
}

func alternatives(schema map[string]any) []any {
	if v, ok := schema["anyOf"].([]any); ok && len(v) > 0 {
		return v
	}
	if v, ok := schema["oneOf"].([]any); ok && len(v) > 0 {
		return v
	}
	return nil
}

package agent

import "fmt"

// ViolationError reports a value that does not satisfy a contract. The
// scheduler treats it as a permanent step failure.
type ViolationError struct {
	AgentID string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("contract violation: agent %s field %s: %s", e.AgentID, e.Field, e.Message)
}

// Validate checks values against the contract: every required field present,
// every present field of the declared shape. Keys absent from the contract
// are ignored so callers may pass a superset.
func (c Contract) Validate(agentID string, values map[string]any) error {
	for name, field := range c {
		v, ok := values[name]
		if !ok || v == nil {
			if field.Required {
				return &ViolationError{AgentID: agentID, Field: name, Message: "required field missing"}
			}
			continue
		}
		if !field.Type.accepts(v) {
			return &ViolationError{
				AgentID: agentID,
				Field:   name,
				Message: fmt.Sprintf("expected %s, got %T", field.Type, v),
			}
		}
	}
	return nil
}

// Project returns the subset of values named by the contract.
func (c Contract) Project(values map[string]any) map[string]any {
	out := make(map[string]any, len(c))
	for name := range c {
		if v, ok := values[name]; ok {
			out[name] = v
		}
	}
	return out
}

// accepts reports whether v has the shape the descriptor names. Numeric
// values may arrive as any Go numeric type or as float64 from JSON decoding.
func (t FieldType) accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeList:
		switch v.(type) {
		case []any, []string, []float64, []int, []map[string]any:
			return true
		}
		return false
	}
	return false
}

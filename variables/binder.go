// Package variables validates submitted values against a form's field schema.
package variables

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/oar-cd/conductor/domain"
)

// coercer converts one submitted value to the field's type, returning a reason on failure
type coercer func(field *domain.FormField, value any) (any, string)

var coercers = map[domain.FieldType]coercer{
	domain.FieldTypeText:   coerceText,
	domain.FieldTypeNumber: coerceNumber,
	domain.FieldTypeBool:   coerceBool,
	domain.FieldTypeSelect: coerceSelect,
}

// Bind validates submitted against fields and returns the complete variable set.
// Unknown submitted keys are dropped. An empty submission yields the defaults.
func Bind(fields []domain.FormField, submitted map[string]any) (map[string]any, error) {
	ordered := make([]*domain.FormField, len(fields))
	for i := range fields {
		ordered[i] = &fields[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SortOrder < ordered[j].SortOrder
	})

	bound := make(map[string]any, len(ordered))
	for _, field := range ordered {
		coerce, ok := coercers[field.FieldType]
		if !ok {
			return nil, &domain.ValidationError{Field: field.Name, Reason: "unsupported field type " + field.FieldType.String()}
		}

		value, present := submitted[field.Name]
		if isMissing(value, present) {
			switch {
			case field.HasDefault():
				value = field.DefaultValue
			case field.Required:
				return nil, &domain.ValidationError{Field: field.Name, Reason: "required"}
			default:
				continue
			}
		}

		coerced, reason := coerce(field, value)
		if reason != "" {
			return nil, &domain.ValidationError{Field: field.Name, Reason: reason}
		}
		bound[field.Name] = coerced
	}
	return bound, nil
}

// Defaults returns the variable set used when nothing is submitted
func Defaults(fields []domain.FormField) (map[string]any, error) {
	return Bind(fields, nil)
}

// Merge overlays submitted values onto field defaults, returning a submission
// suitable for Bind. Used for webhook payloads, which carry arbitrary JSON.
func Merge(fields []domain.FormField, payload map[string]any) map[string]any {
	merged := make(map[string]any, len(fields))
	for _, f := range fields {
		if f.HasDefault() {
			merged[f.Name] = f.DefaultValue
		}
	}
	for k, v := range payload {
		merged[k] = v
	}
	return merged
}

func isMissing(value any, present bool) bool {
	if !present || value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}

func coerceText(_ *domain.FormField, value any) (any, string) {
	switch v := value.(type) {
	case string:
		return v, ""
	case bool:
		return strconv.FormatBool(v), ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), ""
	case json.Number:
		return v.String(), ""
	case int:
		return strconv.Itoa(v), ""
	case int64:
		return strconv.FormatInt(v, 10), ""
	default:
		return nil, "not a text value"
	}
}

func coerceNumber(_ *domain.FormField, value any) (any, string) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		return int64(v), ""
	case int64:
		return v, ""
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, ""
		}
		parsed, err := v.Float64()
		if err != nil {
			return nil, "not numeric"
		}
		f = parsed
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, ""
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, "not numeric"
		}
		f = parsed
	default:
		return nil, "not numeric"
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, "not numeric"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), ""
	}
	return f, ""
}

func coerceBool(_ *domain.FormField, value any) (any, string) {
	switch v := value.(type) {
	case bool:
		return v, ""
	case float64:
		if v == 0 || v == 1 {
			return v == 1, ""
		}
	case int:
		if v == 0 || v == 1 {
			return v == 1, ""
		}
	case json.Number:
		switch v.String() {
		case "0":
			return false, ""
		case "1":
			return true, ""
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "on", "1":
			return true, ""
		case "false", "no", "off", "0":
			return false, ""
		}
	}
	return nil, "not a boolean"
}

func coerceSelect(field *domain.FormField, value any) (any, string) {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	if !slices.Contains(field.Options, s) {
		return nil, "not a valid option"
	}
	return s, ""
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldKind string

const (
	FieldKindText   FieldKind = "text"
	FieldKindNumber FieldKind = "number"
	FieldKindBool   FieldKind = "bool"
	FieldKindSelect FieldKind = "select"
)

// GaugeAttributeKey is the reserved attribute validated against the
// business-wide gauge settings instead of the category schema.
const GaugeAttributeKey = "gauge_mm"

// SchemaField is a closed set of field shapes: TextField, NumberField,
// BoolField and SelectField. Unknown kinds are rejected when the schema is
// defined, not when batches are saved.
type SchemaField interface {
	FieldKey() string
	FieldRequired() bool
	Kind() FieldKind
	validateValue(value interface{}) *FieldError
}

type TextField struct {
	Key      string
	Required bool
}

func (f TextField) FieldKey() string    { return f.Key }
func (f TextField) FieldRequired() bool { return f.Required }
func (f TextField) Kind() FieldKind     { return FieldKindText }

func (f TextField) validateValue(value interface{}) *FieldError {
	if _, ok := value.(string); !ok {
		return &FieldError{Key: f.Key, Code: FieldErrorTypeMismatch, Message: "expected text"}
	}
	return nil
}

type NumberField struct {
	Key      string
	Required bool
	Min      *decimal.Decimal
	Max      *decimal.Decimal
}

func (f NumberField) FieldKey() string    { return f.Key }
func (f NumberField) FieldRequired() bool { return f.Required }
func (f NumberField) Kind() FieldKind     { return FieldKindNumber }

func (f NumberField) validateValue(value interface{}) *FieldError {
	num, ok := decimalFromAttribute(value)
	if !ok {
		return &FieldError{Key: f.Key, Code: FieldErrorTypeMismatch, Message: "expected a number"}
	}
	if f.Min != nil && num.LessThan(*f.Min) {
		return &FieldError{Key: f.Key, Code: FieldErrorOutOfRange,
			Message: fmt.Sprintf("value %s is below minimum %s", num.String(), f.Min.String())}
	}
	if f.Max != nil && num.GreaterThan(*f.Max) {
		return &FieldError{Key: f.Key, Code: FieldErrorOutOfRange,
			Message: fmt.Sprintf("value %s is above maximum %s", num.String(), f.Max.String())}
	}
	return nil
}

type BoolField struct {
	Key      string
	Required bool
}

func (f BoolField) FieldKey() string    { return f.Key }
func (f BoolField) FieldRequired() bool { return f.Required }
func (f BoolField) Kind() FieldKind     { return FieldKindBool }

func (f BoolField) validateValue(value interface{}) *FieldError {
	if _, ok := value.(bool); !ok {
		return &FieldError{Key: f.Key, Code: FieldErrorTypeMismatch, Message: "expected true or false"}
	}
	return nil
}

type SelectField struct {
	Key      string
	Required bool
	Options  []string
}

func (f SelectField) FieldKey() string    { return f.Key }
func (f SelectField) FieldRequired() bool { return f.Required }
func (f SelectField) Kind() FieldKind     { return FieldKindSelect }

func (f SelectField) validateValue(value interface{}) *FieldError {
	s, ok := value.(string)
	if !ok {
		return &FieldError{Key: f.Key, Code: FieldErrorTypeMismatch, Message: "expected text"}
	}
	for _, option := range f.Options {
		if option == s {
			return nil
		}
	}
	return &FieldError{Key: f.Key, Code: FieldErrorInvalidEnum,
		Message: fmt.Sprintf("%q is not one of the allowed options", s)}
}

// decimalFromAttribute accepts the shapes a JSON attribute value can take.
func decimalFromAttribute(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}

// AttributeSchema is the ordered field list stored as JSON on the category row.
type AttributeSchema []SchemaField

// schemaFieldJSON is the wire/storage envelope for one field.
type schemaFieldJSON struct {
	Key      string    `json:"key"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	Min      *string   `json:"min,omitempty"`
	Max      *string   `json:"max,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

func (s AttributeSchema) MarshalJSON() ([]byte, error) {
	envelopes := make([]schemaFieldJSON, 0, len(s))
	for _, field := range s {
		env := schemaFieldJSON{
			Key:      field.FieldKey(),
			Kind:     field.Kind(),
			Required: field.FieldRequired(),
		}
		switch f := field.(type) {
		case NumberField:
			if f.Min != nil {
				v := f.Min.String()
				env.Min = &v
			}
			if f.Max != nil {
				v := f.Max.String()
				env.Max = &v
			}
		case SelectField:
			env.Options = f.Options
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

func (s *AttributeSchema) UnmarshalJSON(data []byte) error {
	var envelopes []schemaFieldJSON
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	fields := make(AttributeSchema, 0, len(envelopes))
	seen := make(map[string]bool)
	for _, env := range envelopes {
		if env.Key == "" {
			return errors.New("schema field key is required")
		}
		if seen[env.Key] {
			return errors.New("duplicate schema field key: " + env.Key)
		}
		seen[env.Key] = true

		switch env.Kind {
		case FieldKindText:
			fields = append(fields, TextField{Key: env.Key, Required: env.Required})
		case FieldKindNumber:
			field := NumberField{Key: env.Key, Required: env.Required}
			if env.Min != nil {
				min, err := decimal.NewFromString(*env.Min)
				if err != nil {
					return errors.New("invalid min for schema field " + env.Key)
				}
				field.Min = &min
			}
			if env.Max != nil {
				max, err := decimal.NewFromString(*env.Max)
				if err != nil {
					return errors.New("invalid max for schema field " + env.Key)
				}
				field.Max = &max
			}
			if field.Min != nil && field.Max != nil && field.Max.LessThan(*field.Min) {
				return errors.New("schema field " + env.Key + " has max below min")
			}
			fields = append(fields, field)
		case FieldKindBool:
			fields = append(fields, BoolField{Key: env.Key, Required: env.Required})
		case FieldKindSelect:
			if len(env.Options) == 0 {
				return errors.New("schema field " + env.Key + " requires at least one option")
			}
			fields = append(fields, SelectField{Key: env.Key, Required: env.Required, Options: env.Options})
		default:
			return fmt.Errorf("unknown schema field kind %q", env.Kind)
		}
	}
	*s = fields
	return nil
}

func (s AttributeSchema) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *AttributeSchema) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = AttributeSchema{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into AttributeSchema", value)
	}
	if len(raw) == 0 {
		*s = AttributeSchema{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// AttributeData is the per-batch attribute document.
type AttributeData map[string]interface{}

func (d AttributeData) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *AttributeData) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*d = AttributeData{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into AttributeData", value)
	}
	if len(raw) == 0 {
		*d = AttributeData{}
		return nil
	}
	return json.Unmarshal(raw, d)
}

// ValidateAttributeData checks data against the category schema and the
// business gauge settings. Unknown keys pass through untouched; only
// schema-declared fields and the reserved gauge attribute are validated.
// On success the gauge value is rounded to 2dp in place.
func ValidateAttributeData(schema AttributeSchema, gauge GaugeSettings, categoryName string, data AttributeData) []FieldError {

	var fieldErrors []FieldError

	for _, field := range schema {
		value, present := data[field.FieldKey()]
		// a blank string counts as absent
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			present = false
		}
		if !present || value == nil {
			if field.FieldRequired() {
				fieldErrors = append(fieldErrors, FieldError{
					Key:     field.FieldKey(),
					Code:    FieldErrorMissingRequired,
					Message: "required attribute is missing",
				})
			}
			continue
		}
		if fe := field.validateValue(value); fe != nil {
			fieldErrors = append(fieldErrors, *fe)
		}
	}

	// gauge_mm rides outside the schema: it is validated only for
	// gauge-enabled categories and is otherwise passed through.
	if value, present := data[GaugeAttributeKey]; present && value != nil && gauge.EnabledFor(categoryName) {
		num, ok := decimalFromAttribute(value)
		if !ok {
			fieldErrors = append(fieldErrors, FieldError{
				Key:     GaugeAttributeKey,
				Code:    FieldErrorTypeMismatch,
				Message: "expected a number",
			})
		} else if num.LessThan(gauge.MinValue) || num.GreaterThan(gauge.MaxValue) {
			fieldErrors = append(fieldErrors, FieldError{
				Key:  GaugeAttributeKey,
				Code: FieldErrorOutOfRange,
				Message: fmt.Sprintf("gauge %s outside allowed range [%s, %s]",
					num.String(), gauge.MinValue.String(), gauge.MaxValue.String()),
			})
		} else {
			data[GaugeAttributeKey] = num.Round(2)
		}
	}

	return fieldErrors
}

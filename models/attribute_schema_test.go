package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func mustSchema(t *testing.T, raw string) AttributeSchema {
	t.Helper()
	var schema AttributeSchema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return schema
}

func gaugeFor(t *testing.T, enabledCategories string) GaugeSettings {
	t.Helper()
	biz := Business{
		GaugeMinValue:          decimal.NewFromFloat(0.10),
		GaugeMaxValue:          decimal.NewFromFloat(1.00),
		GaugeEnabledCategories: enabledCategories,
	}
	return biz.GaugeSettings()
}

func TestAttributeSchemaParsesAllKinds(t *testing.T) {
	schema := mustSchema(t, `[
		{"key":"origin","kind":"text","required":true},
		{"key":"weight_kg","kind":"number","min":"0","max":"5000"},
		{"key":"galvanized","kind":"bool"},
		{"key":"grade","kind":"select","required":true,"options":["A","B","C"]}
	]`)

	if len(schema) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(schema))
	}
	if _, ok := schema[0].(TextField); !ok {
		t.Fatalf("field 0: expected TextField, got %T", schema[0])
	}
	num, ok := schema[1].(NumberField)
	if !ok {
		t.Fatalf("field 1: expected NumberField, got %T", schema[1])
	}
	if num.Min == nil || num.Max == nil || !num.Max.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("number bounds not parsed: min=%v max=%v", num.Min, num.Max)
	}
	if _, ok := schema[2].(BoolField); !ok {
		t.Fatalf("field 2: expected BoolField, got %T", schema[2])
	}
	sel, ok := schema[3].(SelectField)
	if !ok {
		t.Fatalf("field 3: expected SelectField, got %T", schema[3])
	}
	if len(sel.Options) != 3 || !sel.FieldRequired() {
		t.Fatalf("select field not parsed: %+v", sel)
	}
}

func TestAttributeSchemaRoundTrip(t *testing.T) {
	schema := mustSchema(t, `[
		{"key":"origin","kind":"text","required":true},
		{"key":"weight_kg","kind":"number","min":"0.5"}
	]`)
	out, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again := mustSchema(t, string(out))
	if len(again) != len(schema) {
		t.Fatalf("round trip lost fields: %d != %d", len(again), len(schema))
	}
	num := again[1].(NumberField)
	if num.Min == nil || !num.Min.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("min lost in round trip: %v", num.Min)
	}
}

func TestAttributeSchemaRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown kind", `[{"key":"x","kind":"date"}]`},
		{"empty key", `[{"key":"","kind":"text"}]`},
		{"duplicate key", `[{"key":"x","kind":"text"},{"key":"x","kind":"bool"}]`},
		{"select without options", `[{"key":"x","kind":"select"}]`},
		{"max below min", `[{"key":"x","kind":"number","min":"10","max":"1"}]`},
		{"bad min", `[{"key":"x","kind":"number","min":"abc"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var schema AttributeSchema
			if err := json.Unmarshal([]byte(tc.raw), &schema); err == nil {
				t.Fatalf("expected parse error for %s", tc.name)
			}
		})
	}
}

func TestValidateAttributeDataSchemaFields(t *testing.T) {
	schema := mustSchema(t, `[
		{"key":"origin","kind":"text","required":true},
		{"key":"weight_kg","kind":"number","min":"0","max":"5000"},
		{"key":"galvanized","kind":"bool"},
		{"key":"grade","kind":"select","required":true,"options":["A","B","C"]}
	]`)
	gauge := gaugeFor(t, "")

	errsByKey := func(data AttributeData) map[string]FieldErrorCode {
		out := make(map[string]FieldErrorCode)
		for _, fe := range ValidateAttributeData(schema, gauge, "Sheets", data) {
			out[fe.Key] = fe.Code
		}
		return out
	}

	// valid document, including an undeclared key that must pass through
	got := errsByKey(AttributeData{
		"origin":     "JP",
		"weight_kg":  1250.5,
		"galvanized": true,
		"grade":      "B",
		"note":       "anything goes",
	})
	if len(got) != 0 {
		t.Fatalf("expected no errors, got %v", got)
	}

	got = errsByKey(AttributeData{"grade": "B"})
	if got["origin"] != FieldErrorMissingRequired {
		t.Fatalf("expected MissingRequiredAttribute for origin, got %v", got)
	}

	got = errsByKey(AttributeData{"origin": "JP", "grade": "B", "galvanized": "yes"})
	if got["galvanized"] != FieldErrorTypeMismatch {
		t.Fatalf("expected TypeMismatch for galvanized, got %v", got)
	}

	got = errsByKey(AttributeData{"origin": "JP", "grade": "Z"})
	if got["grade"] != FieldErrorInvalidEnum {
		t.Fatalf("expected InvalidEnumValue for grade, got %v", got)
	}

	got = errsByKey(AttributeData{"origin": "JP", "grade": "A", "weight_kg": 9999.0})
	if got["weight_kg"] != FieldErrorOutOfRange {
		t.Fatalf("expected OutOfRange for weight_kg, got %v", got)
	}

	// optional field absent is fine
	got = errsByKey(AttributeData{"origin": "JP", "grade": "A"})
	if len(got) != 0 {
		t.Fatalf("optional fields must not be required: %v", got)
	}

	// a present-but-blank string does not satisfy a required field
	got = errsByKey(AttributeData{"origin": "", "grade": "A"})
	if got["origin"] != FieldErrorMissingRequired {
		t.Fatalf("empty string must count as missing, got %v", got)
	}
	got = errsByKey(AttributeData{"origin": "JP", "grade": "   "})
	if got["grade"] != FieldErrorMissingRequired {
		t.Fatalf("whitespace-only string must count as missing, got %v", got)
	}

	// a blank optional field is simply skipped
	got = errsByKey(AttributeData{"origin": "JP", "grade": "A", "galvanized": nil, "note": ""})
	if len(got) != 0 {
		t.Fatalf("blank optional fields must be skipped, got %v", got)
	}
}

func TestValidateAttributeDataGauge(t *testing.T) {
	schema := AttributeSchema{}
	gauge := gaugeFor(t, "Roofing Sheets")

	// in range: rounded to 2dp in place
	data := AttributeData{GaugeAttributeKey: 0.4567}
	if errs := ValidateAttributeData(schema, gauge, "Roofing Sheets", data); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	rounded, ok := data[GaugeAttributeKey].(decimal.Decimal)
	if !ok || !rounded.Equal(decimal.NewFromFloat(0.46)) {
		t.Fatalf("expected gauge rounded to 0.46, got %v", data[GaugeAttributeKey])
	}

	// out of range
	data = AttributeData{GaugeAttributeKey: 1.5}
	errs := ValidateAttributeData(schema, gauge, "Roofing Sheets", data)
	if len(errs) != 1 || errs[0].Code != FieldErrorOutOfRange {
		t.Fatalf("expected OutOfRange, got %v", errs)
	}

	// not a number
	data = AttributeData{GaugeAttributeKey: true}
	errs = ValidateAttributeData(schema, gauge, "Roofing Sheets", data)
	if len(errs) != 1 || errs[0].Code != FieldErrorTypeMismatch {
		t.Fatalf("expected TypeMismatch, got %v", errs)
	}

	// category not gauge-enabled: value passes through untouched even out of range
	data = AttributeData{GaugeAttributeKey: 1.5}
	if errs := ValidateAttributeData(schema, gauge, "Accessories", data); len(errs) != 0 {
		t.Fatalf("gauge must be ignored for non-enabled categories, got %v", errs)
	}
	if v, ok := data[GaugeAttributeKey].(float64); !ok || v != 1.5 {
		t.Fatalf("gauge value must pass through untouched, got %v", data[GaugeAttributeKey])
	}

	// absent gauge on an enabled category is fine
	if errs := ValidateAttributeData(schema, gauge, "Roofing Sheets", AttributeData{}); len(errs) != 0 {
		t.Fatalf("absent gauge must not error, got %v", errs)
	}

	// category matching is case/spacing insensitive
	data = AttributeData{GaugeAttributeKey: 2.0}
	if errs := ValidateAttributeData(schema, gauge, "  roofing   sheets ", data); len(errs) != 1 {
		t.Fatalf("normalized category name must still be gauge-enabled, got %v", errs)
	}
}

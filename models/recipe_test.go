package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeRequiredQuantity(t *testing.T) {
	d := func(s string) decimal.Decimal {
		v, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatalf("bad decimal literal %q: %v", s, err)
		}
		return v
	}

	cases := []struct {
		name   string
		qty    string
		factor string
		margin string
		scale  int32
		want   string
	}{
		{"no wastage", "10", "0.8", "0", 3, "8"},
		{"ten percent wastage", "10", "0.8", "10", 3, "8.8"},
		{"fractional factor rounds to scale", "7", "1.4286", "0", 3, "10"},
		{"margin result rounds to scale", "3", "0.3333", "2.5", 3, "1.025"},
		{"zero scale", "10", "0.8", "10", 0, "9"},
		{"large order", "2500", "1.05", "1.5", 4, "2664.375"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeRequiredQuantity(d(tc.qty), d(tc.factor), d(tc.margin), tc.scale)
			if !got.Equal(d(tc.want)) {
				t.Fatalf("computeRequiredQuantity(%s, %s, %s, %d) = %s, want %s",
					tc.qty, tc.factor, tc.margin, tc.scale, got.String(), tc.want)
			}
		})
	}
}

func TestQuantityEpsilon(t *testing.T) {
	if !quantityEpsilon(3).Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("epsilon at scale 3 = %s", quantityEpsilon(3).String())
	}
	if !quantityEpsilon(0).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("epsilon at scale 0 = %s", quantityEpsilon(0).String())
	}
}

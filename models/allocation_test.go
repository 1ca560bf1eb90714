package models

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/steelbooks_backend/utils"
	"github.com/shopspring/decimal"
)

func testBatch(id int, code string, remaining string, version int) *InventoryBatch {
	return &InventoryBatch{
		ID:                id,
		InstanceCode:      code,
		RemainingQuantity: decimal.RequireFromString(remaining),
		Status:            BatchStatusInStock,
		Version:           version,
	}
}

func TestPlanFromSelections(t *testing.T) {
	epsilon := decimal.RequireFromString("0.001")
	batches := []*InventoryBatch{
		testBatch(1, "COIL-001", "100", 4),
		testBatch(2, "COIL-002", "5", 0),
	}

	t.Run("exact cover", func(t *testing.T) {
		lines, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 1, Quantity: decimal.RequireFromString("8")},
		}, decimal.RequireFromString("8"), epsilon)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(lines) != 1 || lines[0].BatchId != 1 || lines[0].ExpectedVersion != 4 {
			t.Fatalf("unexpected lines: %+v", lines)
		}
	})

	t.Run("undershoot within epsilon accepted", func(t *testing.T) {
		_, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 1, Quantity: decimal.RequireFromString("7.999")},
		}, decimal.RequireFromString("8"), epsilon)
		if err != nil {
			t.Fatalf("7.999 against 8 with epsilon 0.001 must pass: %v", err)
		}
	})

	t.Run("shortfall beyond epsilon rejected", func(t *testing.T) {
		_, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 1, Quantity: decimal.RequireFromString("7.5")},
		}, decimal.RequireFromString("8"), epsilon)
		var insufficient *InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		if !insufficient.Shortfall.Equal(decimal.RequireFromString("0.5")) {
			t.Fatalf("shortfall = %s, want 0.5", insufficient.Shortfall.String())
		}
	})

	t.Run("duplicate batch rejected", func(t *testing.T) {
		_, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 1, Quantity: decimal.RequireFromString("4")},
			{BatchId: 1, Quantity: decimal.RequireFromString("4")},
		}, decimal.RequireFromString("8"), epsilon)
		if err == nil {
			t.Fatal("expected error for duplicate batch selection")
		}
	})

	t.Run("unavailable batch rejected", func(t *testing.T) {
		_, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 99, Quantity: decimal.RequireFromString("8")},
		}, decimal.RequireFromString("8"), epsilon)
		if err == nil {
			t.Fatal("expected error for unavailable batch")
		}
	})

	t.Run("over remaining rejected", func(t *testing.T) {
		_, err := planFromSelections(batches, []BatchSelection{
			{BatchId: 2, Quantity: decimal.RequireFromString("6")},
		}, decimal.RequireFromString("6"), epsilon)
		if !errors.Is(err, ErrInsufficientRemaining) {
			t.Fatalf("expected ErrInsufficientRemaining, got %v", err)
		}
	})
}

func TestPlanGreedy(t *testing.T) {
	epsilon := decimal.RequireFromString("0.001")

	t.Run("walks batches in order", func(t *testing.T) {
		batches := []*InventoryBatch{
			testBatch(1, "COIL-001", "5", 2),
			testBatch(2, "COIL-002", "4", 0),
			testBatch(3, "COIL-003", "10", 1),
		}
		lines, err := planGreedy(batches, decimal.RequireFromString("8"), epsilon)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		if lines[0].BatchId != 1 || !lines[0].Quantity.Equal(decimal.RequireFromString("5")) {
			t.Fatalf("line 0: %+v", lines[0])
		}
		if lines[1].BatchId != 2 || !lines[1].Quantity.Equal(decimal.RequireFromString("3")) {
			t.Fatalf("line 1: %+v", lines[1])
		}
		if lines[0].ExpectedVersion != 2 {
			t.Fatalf("expected version pinned from batch, got %d", lines[0].ExpectedVersion)
		}
	})

	t.Run("all or nothing", func(t *testing.T) {
		batches := []*InventoryBatch{
			testBatch(1, "COIL-001", "5", 0),
			testBatch(2, "COIL-002", "4", 0),
		}
		lines, err := planGreedy(batches, decimal.RequireFromString("12"), epsilon)
		var insufficient *InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		if !insufficient.Shortfall.Equal(decimal.RequireFromString("3")) {
			t.Fatalf("shortfall = %s, want 3", insufficient.Shortfall.String())
		}
		if lines != nil {
			t.Fatalf("no partial plan on shortfall, got %+v", lines)
		}
	})

	t.Run("dust shortfall within epsilon tolerated", func(t *testing.T) {
		batches := []*InventoryBatch{testBatch(1, "COIL-001", "7.9995", 0)}
		lines, err := planGreedy(batches, decimal.RequireFromString("8"), epsilon)
		if err != nil {
			t.Fatalf("shortfall of 0.0005 must be within epsilon 0.001: %v", err)
		}
		if len(lines) != 1 {
			t.Fatalf("expected 1 line, got %d", len(lines))
		}
	})
}

func TestIdentityFromInput(t *testing.T) {
	identity, err := identityFromInput(utils.NewTrue(), " COIL-001 ")
	if err != nil {
		t.Fatalf("grouped with code: %v", err)
	}
	grouped, ok := identity.(GroupedBatch)
	if !ok || grouped.InstanceCode != "COIL-001" {
		t.Fatalf("expected GroupedBatch{COIL-001}, got %#v", identity)
	}

	if _, err := identityFromInput(utils.NewTrue(), "  "); err == nil {
		t.Fatal("grouped without code must fail")
	}
	if _, err := identityFromInput(utils.NewFalse(), "COIL-001"); err == nil {
		t.Fatal("pooled with code must fail")
	}
	identity, err = identityFromInput(utils.NewFalse(), "")
	if err != nil {
		t.Fatalf("pooled: %v", err)
	}
	if _, ok := identity.(PooledBatch); !ok {
		t.Fatalf("expected PooledBatch, got %#v", identity)
	}
}

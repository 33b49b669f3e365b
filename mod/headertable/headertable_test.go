package headertable_test

import (
	"testing"

	"imuslab.com/lattice/mod/headertable"
)

func TestAddDeduplicatesCaseInsensitively(t *testing.T) {
	builder := headertable.NewBuilder()

	first := builder.Add("x-forwarded-proto")
	second := builder.Add("X-Forwarded-Proto")
	if first != second {
		t.Errorf("expected identical ids for the same header name, got %d and %d", first, second)
	}

	other := builder.Add("CF-Blob")
	if other == first {
		t.Error("distinct header names should not share an id")
	}

	table := builder.Build()
	if table.Size() != 2 {
		t.Errorf("expected 2 registered headers, got %d", table.Size())
	}
	if table.Name(first) != "X-Forwarded-Proto" {
		t.Errorf("expected canonical name, got %q", table.Name(first))
	}
}

func TestAddPanicsAfterFreeze(t *testing.T) {
	builder := headertable.NewBuilder()
	builder.Add("X-Real-Ip")
	builder.Build()

	if !builder.Frozen() {
		t.Fatal("builder should report frozen after Build")
	}

	defer func() {
		if recover() == nil {
			t.Error("Add after Build should panic")
		}
	}()
	builder.Add("X-Too-Late")
}

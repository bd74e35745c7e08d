package bvm

import (
	"errors"
	"testing"
)

// TestMeter tests the charge meter.
func TestMeter(t *testing.T) {
	m := NewMeter(1000)

	if err := m.Consume(400); err != nil {
		t.Fatalf("Consume(400) failed: %v", err)
	}
	if m.Remaining() != 600 || m.Consumed() != 400 {
		t.Errorf("Remaining() = %d, Consumed() = %d, want 600, 400", m.Remaining(), m.Consumed())
	}

	// Spending down to exactly zero is fine
	if err := m.Consume(600); err != nil {
		t.Fatalf("Consume(600) failed: %v", err)
	}
	if m.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", m.Remaining())
	}

	if err := m.Consume(1); !errors.Is(err, ErrChargeExhausted) {
		t.Errorf("Consume(1) = %v, want ErrChargeExhausted", err)
	}
	if m.Limit() != 1000 {
		t.Errorf("Limit() = %d, want 1000", m.Limit())
	}
}

// TestMeterOverdraw tests that an oversized charge empties the meter.
func TestMeterOverdraw(t *testing.T) {
	m := NewMeter(100)
	if err := m.Consume(101); !errors.Is(err, ErrChargeExhausted) {
		t.Fatalf("Consume(101) = %v, want ErrChargeExhausted", err)
	}
	if m.Remaining() != 0 || m.Consumed() != 100 {
		t.Errorf("Remaining() = %d, Consumed() = %d, want 0, 100", m.Remaining(), m.Consumed())
	}
}

// TestMeterConsumeBytes tests per-byte charges.
func TestMeterConsumeBytes(t *testing.T) {
	tests := []struct {
		name    string
		limit   uint64
		base    uint64
		perByte uint64
		n       int
		want    uint64
		fail    bool
	}{
		{"base only", 100, 10, 5, 0, 10, false},
		{"per byte", 100, 10, 5, 4, 30, false},
		{"negative length", 100, 10, 5, -1, 10, false},
		{"exact", 30, 10, 5, 4, 30, false},
		{"short", 29, 10, 5, 4, 29, true},
		{"product overflow", ^uint64(0) - 1, 1, ^uint64(0) / 2, 3, ^uint64(0) - 1, true},
		{"sum overflow", ^uint64(0) - 1, ^uint64(0) - 1, 1, 2, ^uint64(0) - 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMeter(tt.limit)
			err := m.ConsumeBytes(tt.base, tt.perByte, tt.n)
			if tt.fail {
				if !errors.Is(err, ErrChargeExhausted) {
					t.Fatalf("ConsumeBytes() = %v, want ErrChargeExhausted", err)
				}
			} else if err != nil {
				t.Fatalf("ConsumeBytes() failed: %v", err)
			}
			if m.Consumed() != tt.want {
				t.Errorf("Consumed() = %d, want %d", m.Consumed(), tt.want)
			}
		})
	}
}

// TestDefaultLimits tests the default resource bounds.
func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.FarCallDepth != 32 {
		t.Errorf("FarCallDepth = %d, want 32", l.FarCallDepth)
	}
	if l.StackSize%stackAlign != 0 {
		t.Errorf("StackSize %d is not %d-byte aligned", l.StackSize, stackAlign)
	}
	if l.HeapSize&TagMask != 0 || l.StackSize&TagMask != 0 {
		t.Error("regions must fit the pointer offset")
	}
}

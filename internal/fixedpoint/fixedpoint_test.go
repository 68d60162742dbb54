package fixedpoint

import (
	"errors"
	"math"
	"testing"
)

func TestAddChecked(t *testing.T) {
	tests := []struct {
		name    string
		a, b    int64
		want    int64
		wantErr bool
	}{
		{"simple", 2, 3, 5, false},
		{"negative", -10, 4, -6, false},
		{"max plus zero", math.MaxInt64, 0, math.MaxInt64, false},
		{"overflow", math.MaxInt64, 1, 0, true},
		{"underflow", math.MinInt64, -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Add(tt.a, tt.b)
			if tt.wantErr {
				if !errors.Is(err, ErrOverflow) {
					t.Fatalf("Add(%d, %d): want ErrOverflow, got %v", tt.a, tt.b, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Add(%d, %d): %v", tt.a, tt.b, err)
			}
			if got != tt.want {
				t.Errorf("Add(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSubChecked(t *testing.T) {
	if _, err := Sub(math.MinInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("want ErrOverflow, got %v", err)
	}
	got, err := Sub(10, 25)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if got != -15 {
		t.Errorf("Sub(10, 25) = %d, want -15", got)
	}
}

func TestMulChecked(t *testing.T) {
	got, err := Mul(1_000, Scale)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if got != 1_000*Scale {
		t.Errorf("Mul = %d, want %d", got, 1_000*Scale)
	}

	if _, err := Mul(math.MaxInt64, 2); !errors.Is(err, ErrOverflow) {
		t.Errorf("want ErrOverflow, got %v", err)
	}
	if got, err := Mul(math.MaxInt64, 0); err != nil || got != 0 {
		t.Errorf("Mul by zero = (%d, %v), want (0, nil)", got, err)
	}

	// MinInt64 * -1 has no int64 representation; the naive division check
	// cannot catch it because MinInt64 / -1 wraps back to MinInt64.
	if _, err := Mul(math.MinInt64, -1); !errors.Is(err, ErrOverflow) {
		t.Errorf("Mul(MinInt64, -1): want ErrOverflow, got %v", err)
	}
	if _, err := Mul(-1, math.MinInt64); !errors.Is(err, ErrOverflow) {
		t.Errorf("Mul(-1, MinInt64): want ErrOverflow, got %v", err)
	}
}

func TestMulDiv(t *testing.T) {
	// Intermediate product overflows int64 but the quotient does not.
	got, err := MulDiv(math.MaxInt64/2, 4, 8)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	want := int64(math.MaxInt64 / 4)
	if got != want {
		t.Errorf("MulDiv = %d, want %d", got, want)
	}

	if _, err := MulDiv(1, 1, 0); !errors.Is(err, ErrOverflow) {
		t.Errorf("division by zero: want ErrOverflow, got %v", err)
	}
	if _, err := MulDiv(math.MaxInt64, 2, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("quotient overflow: want ErrOverflow, got %v", err)
	}
}

func TestMulDivTruncatesTowardZero(t *testing.T) {
	got, _ := MulDiv(7, 1, 2)
	if got != 3 {
		t.Errorf("MulDiv(7,1,2) = %d, want 3", got)
	}
	got, _ = MulDiv(-7, 1, 2)
	if got != -3 {
		t.Errorf("MulDiv(-7,1,2) = %d, want -3", got)
	}
}

func TestMulScale(t *testing.T) {
	// 1% of 50_000
	rate := Scale / 100
	got, err := MulScale(50_000, rate)
	if err != nil {
		t.Fatalf("MulScale: %v", err)
	}
	if got != 500 {
		t.Errorf("MulScale(50000, 1%%) = %d, want 500", got)
	}
}

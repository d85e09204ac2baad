package math_test

import (
	"testing"
	"time"

	fpmath "PerpRecon/internal/math"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeRealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		exit  string
		size  string
		sign  int64
		fees  string
		want  string
	}{
		{"long winner", "50000", "52000", "1", 1, "10", "1990"},
		{"short winner", "50000", "48000", "1", -1, "10", "1990"},
		{"long loser", "50000", "49000", "0.5", 1, "1", "-501"},
		{"no fees", "100", "100", "3", 1, "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.ComputeRealizedPnL(d(tt.entry), d(tt.exit), d(tt.size), tt.sign, d(tt.fees))
			if !got.Equal(d(tt.want)) {
				t.Errorf("realized: got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeUnrealizedPnL(t *testing.T) {
	got := fpmath.ComputeUnrealizedPnL(d("51000"), d("50000"), d("2"), -1)
	if !got.Equal(d("-2000")) {
		t.Errorf("unrealized: got %s, want -2000", got)
	}
}

func TestWeightedPrice(t *testing.T) {
	got := fpmath.WeightedPrice(d("101000"), d("2"))
	if !got.Equal(d("50500")) {
		t.Errorf("weighted: got %s, want 50500", got)
	}
	if !fpmath.WeightedPrice(d("5"), decimal.Zero).IsZero() {
		t.Error("weighted price over zero size should be zero")
	}
}

func TestComputeFundingPayment(t *testing.T) {
	// 2 BTC long, 0.0001 rate, held for one full 8h interval
	got := fpmath.ComputeFundingPayment(d("2"), d("0.0001"), 8*time.Hour)
	if !got.Equal(d("0.0002")) {
		t.Errorf("funding: got %s, want 0.0002", got)
	}

	// short over 4h receives half
	got = fpmath.ComputeFundingPayment(d("-2"), d("0.0001"), 4*time.Hour)
	if !got.Equal(d("-0.0001")) {
		t.Errorf("funding: got %s, want -0.0001", got)
	}

	if !fpmath.ComputeFundingPayment(d("1"), d("0.01"), 0).IsZero() {
		t.Error("zero duration should accrue nothing")
	}
}

func TestFundingWindow(t *testing.T) {
	opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := opened.Add(3 * time.Hour)

	if got := fpmath.FundingWindow(opened, time.Time{}, now); got != 3*time.Hour {
		t.Errorf("window from open: got %v", got)
	}
	if got := fpmath.FundingWindow(opened, opened.Add(2*time.Hour), now); got != time.Hour {
		t.Errorf("window from last accrual: got %v", got)
	}
	if got := fpmath.FundingWindow(opened, time.Time{}, opened.Add(-time.Minute)); got != 0 {
		t.Errorf("window before open: got %v", got)
	}
}

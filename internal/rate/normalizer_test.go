package rate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		rate      string
		from, to  int
		want      string
		wantErr   bool
	}{
		{name: "identity", rate: "0.0001", from: 8, to: 8, want: "0.0001"},
		{name: "8h to 4h halves", rate: "0.0008", from: 8, to: 4, want: "0.0004"},
		{name: "1h to 8h scales up", rate: "0.0001", from: 1, to: 8, want: "0.0008"},
		{name: "4h to 24h", rate: "0.0002", from: 4, to: 24, want: "0.0012"},
		{name: "negative rate", rate: "-0.0004", from: 8, to: 4, want: "-0.0002"},
		{name: "zero from hours", rate: "0.0001", from: 0, to: 8, wantErr: true},
		{name: "zero to hours", rate: "0.0001", from: 8, to: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(dec(tt.rate), tt.from, tt.to)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%s, %d, %d) expected error", tt.rate, tt.from, tt.to)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%s, %d, %d): %v", tt.rate, tt.from, tt.to, err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Normalize(%s, %d, %d) = %s, want %s", tt.rate, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdentityProperty(t *testing.T) {
	rates := []string{"0", "0.0001", "-0.0025", "0.01", "0.000000001"}
	periods := []int{1, 4, 8, 24}
	for _, r := range rates {
		for _, p := range periods {
			got, err := Normalize(dec(r), p, p)
			if err != nil {
				t.Fatalf("Normalize(%s, %d, %d): %v", r, p, p, err)
			}
			if !got.Equal(dec(r)) {
				t.Errorf("Normalize(%s, %d, %d) = %s, want identity", r, p, p, got)
			}
		}
	}
}

func TestDetectInterval(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		times []time.Time
		want  int
		ok    bool
	}{
		{
			name:  "exactly 8h apart",
			times: []time.Time{base, base.Add(8 * time.Hour)},
			want:  8, ok: true,
		},
		{
			name:  "exactly 1h apart",
			times: []time.Time{base, base.Add(time.Hour)},
			want:  1, ok: true,
		},
		{
			name: "modal value wins",
			times: []time.Time{
				base,
				base.Add(8 * time.Hour),
				base.Add(16 * time.Hour),
				base.Add(20 * time.Hour), // one 4h outlier
			},
			want: 8, ok: true,
		},
		{
			name: "rounds to nearest hour",
			times: []time.Time{
				base,
				base.Add(7*time.Hour + 58*time.Minute),
			},
			want: 8, ok: true,
		},
		{
			name:  "unsorted input",
			times: []time.Time{base.Add(8 * time.Hour), base, base.Add(16 * time.Hour)},
			want:  8, ok: true,
		},
		{name: "single sample", times: []time.Time{base}, ok: false},
		{name: "empty", times: nil, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectInterval(tt.times)
			if ok != tt.ok {
				t.Fatalf("DetectInterval ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("DetectInterval = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAnnualizedReturn(t *testing.T) {
	// 0.005 per 8h -> 0.005 * 1095 * 100 = 547.5%.
	got := AnnualizedReturn(dec("0.005"), 8)
	want := dec("547.5")
	if diff := got.Sub(want).Abs(); diff.GreaterThan(dec("0.000000001")) {
		t.Errorf("AnnualizedReturn(0.005, 8) = %s, want 547.5", got)
	}

	if !AnnualizedReturn(dec("0.001"), 0).IsZero() {
		t.Error("AnnualizedReturn with zero basis should be zero")
	}

	neg := AnnualizedReturn(dec("-0.005"), 8)
	if !neg.Equal(want.Neg()) {
		t.Errorf("AnnualizedReturn(-0.005, 8) = %s, want -547.5", neg)
	}
}

func TestSplitSize(t *testing.T) {
	tests := []struct {
		name  string
		total string
		count int
		want  []string
	}{
		{name: "100 into 3", total: "100", count: 3, want: []string{"34", "33", "33"}},
		{name: "10 into 2", total: "10", count: 2, want: []string{"5", "5"}},
		{name: "7 into 4", total: "7", count: 4, want: []string{"2", "2", "2", "1"}},
		{name: "single bucket", total: "42.5", count: 1, want: []string{"42.5"}},
		{name: "fractional total", total: "10.5", count: 2, want: []string{"5.5", "5"}},
		{name: "sub-unit total", total: "0.3", count: 2, want: []string{"0.3", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitSize(dec(tt.total), tt.count)
			if err != nil {
				t.Fatalf("SplitSize(%s, %d): %v", tt.total, tt.count, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("SplitSize returned %d buckets, want %d", len(got), len(tt.want))
			}
			sum := decimal.Zero
			for i, b := range got {
				if !b.Equal(dec(tt.want[i])) {
					t.Errorf("bucket[%d] = %s, want %s", i, b, tt.want[i])
				}
				sum = sum.Add(b)
			}
			if !sum.Equal(dec(tt.total)) {
				t.Errorf("sum of buckets = %s, want %s", sum, tt.total)
			}
		})
	}
}

func TestSplitSizeSumProperty(t *testing.T) {
	totals := []string{"1", "99.99", "123.456789", "0.00000001", "1000000"}
	for _, total := range totals {
		for count := 1; count <= 10; count++ {
			buckets, err := SplitSize(dec(total), count)
			if err != nil {
				t.Fatalf("SplitSize(%s, %d): %v", total, count, err)
			}
			sum := decimal.Zero
			for _, b := range buckets {
				sum = sum.Add(b)
			}
			if !sum.Equal(dec(total)) {
				t.Errorf("SplitSize(%s, %d): sum = %s", total, count, sum)
			}
		}
	}
}

func TestSplitSizeRejectsBadInput(t *testing.T) {
	if _, err := SplitSize(dec("100"), 0); err == nil {
		t.Error("expected error for count 0")
	}
	if _, err := SplitSize(dec("-5"), 2); err == nil {
		t.Error("expected error for negative total")
	}
	if _, err := SplitSize(decimal.Zero, 2); err == nil {
		t.Error("expected error for zero total")
	}
}

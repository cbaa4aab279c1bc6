package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFitsDecimal(t *testing.T) {
	cases := []struct {
		v    string
		p, s int32
		want bool
	}{
		{"18", 20, 8, true},
		{"18.00001", 20, 8, true},
		{"18.000000001", 20, 8, false},
		{"18.100000000", 20, 8, true},
		{"999999999999.99999999", 20, 8, true},
		{"1000000000000", 20, 8, false},
		{"-1000000000000", 20, 8, false},
		{"18.00001", 7, 4, false},
		{"1000", 7, 4, false},
		{"250.5", AmountPrecision, AmountScale, true},
	}
	for _, tc := range cases {
		if got := FitsDecimal(decimal.RequireFromString(tc.v), tc.p, tc.s); got != tc.want {
			t.Fatalf("FitsDecimal(%s, %d, %d) = %v, want %v", tc.v, tc.p, tc.s, got, tc.want)
		}
	}
}

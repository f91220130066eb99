package strategy

import (
	"math/big"
	"testing"
)

func TestBpsOfFloors(t *testing.T) {
	cases := []struct {
		amount string
		bps    uint64
		want   string
	}{
		{"10000", 1000, "1000"},
		{"999", 1, "0"},
		{"12345", 2500, "3086"},
		{"1", 9999, "0"},
		{"0", 5000, "0"},
	}
	for _, tc := range cases {
		got := bpsOf(mustBigInt(tc.amount), tc.bps)
		if got.Cmp(mustBigInt(tc.want)) != 0 {
			t.Fatalf("bpsOf(%s, %d) = %s, want %s", tc.amount, tc.bps, got, tc.want)
		}
	}
	if got := bpsOf(nil, 100); got.Sign() != 0 {
		t.Fatalf("bpsOf(nil) = %s, want 0", got)
	}
}

func TestWadMulRoundsHalfUp(t *testing.T) {
	half := mustBigInt("500000000000000000")
	if got := wadMul(big.NewInt(3), half); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("wadMul(3, 0.5) = %s, want 2", got)
	}
	if got := wadMul(wadAmount(6), half); got.Cmp(wadAmount(3)) != 0 {
		t.Fatalf("wadMul(6e18, 0.5) = %s, want 3e18", got)
	}
	if got := wadMul(wadAmount(7), wad); got.Cmp(wadAmount(7)) != 0 {
		t.Fatalf("wadMul by one = %s, want identity", got)
	}
	if got := wadMul(nil, wad); got.Sign() != 0 {
		t.Fatalf("wadMul(nil) = %s, want 0", got)
	}
}

func TestWadDiv(t *testing.T) {
	if got := wadDiv(wadAmount(7), wad); got.Cmp(wadAmount(7)) != 0 {
		t.Fatalf("wadDiv by one = %s, want identity", got)
	}
	if got := wadDiv(big.NewInt(1), big.NewInt(3)); got.Cmp(mustBigInt("333333333333333334")) != 0 {
		t.Fatalf("wadDiv(1, 3) = %s, want 333333333333333334", got)
	}
	if got := wadDiv(wadAmount(1), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("wadDiv by zero = %s, want 0", got)
	}
}

func TestCeilDiv(t *testing.T) {
	if got := ceilDiv(big.NewInt(10), big.NewInt(3)); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("ceilDiv(10, 3) = %s, want 4", got)
	}
	if got := ceilDiv(big.NewInt(9), big.NewInt(3)); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("ceilDiv(9, 3) = %s, want 3", got)
	}
	if got := ceilDiv(big.NewInt(1), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("ceilDiv by zero = %s, want 0", got)
	}
}

func TestMinBigReturnsCopy(t *testing.T) {
	a, b := big.NewInt(5), big.NewInt(9)
	got := minBig(a, b)
	if got.Cmp(a) != 0 {
		t.Fatalf("minBig = %s, want 5", got)
	}
	got.SetInt64(42)
	if a.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("minBig aliased its argument")
	}
}

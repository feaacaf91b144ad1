package util_test

import (
	"testing"

	"github.com/nasa-jpl/drawpi/util"
)

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{16, 21, 19}
	expected := "16,21,19"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestSetGetBitRoundTrip(t *testing.T) {
	var mask uint32
	for _, idx := range []uint{0, 4, 17, 31} {
		mask = util.SetBit(mask, idx, true)
		if !util.GetBit(mask, idx) {
			t.Errorf("expected bit %d set in %032b", idx, mask)
		}
	}
	if util.GetBit(mask, 5) {
		t.Errorf("bit 5 should not be set in %032b", mask)
	}
}

func TestPinMaskIgnoresOutOfRange(t *testing.T) {
	if m := util.PinMask(-1, 32, 40); m != 0 {
		t.Errorf("expected empty mask, got %032b", m)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f, got %f", input, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	clamped := util.Clamp(-1, 0, 10)
	if clamped != 0 {
		t.Errorf("expected -1 to be clipped to 0, got %f", clamped)
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 200}
	cases := map[float64]bool{-0.1: false, 0: true, 100: true, 200: true, 200.5: false}
	for in, want := range cases {
		if got := l.Check(in); got != want {
			t.Errorf("Check(%v) = %v, want %v", in, got, want)
		}
	}
}

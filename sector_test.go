package remap

import (
	"testing"
)

func TestCrc32Of(t *testing.T) {
	a := crc32Of([]byte("hello"))
	b := crc32Of([]byte("hello"))
	if a != b {
		t.Fatalf("crc32Of not deterministic: (%d) != (%d)", a, b)
	}

	c := crc32Of([]byte("hellp"))
	if a == c {
		t.Fatalf("crc32Of collided on distinct input")
	}
}

func TestUnitOf(t *testing.T) {
	if unitOf(0, 8) != 0 {
		t.Fatalf("unitOf(0, 8) should be 0")
	}
	if unitOf(7, 8) != 0 {
		t.Fatalf("unitOf(7, 8) should be 0")
	}
	if unitOf(8, 8) != 1 {
		t.Fatalf("unitOf(8, 8) should be 1")
	}
	if unitOf(23, 8) != 2 {
		t.Fatalf("unitOf(23, 8) should be 2")
	}
}

func TestUnitsFor(t *testing.T) {
	cases := []struct {
		length, unit, expected uint32
	}{
		{1, 8, 1},
		{8, 8, 1},
		{9, 8, 2},
		{16, 8, 2},
		{17, 8, 3},
	}

	for _, c := range cases {
		if got := unitsFor(c.length, c.unit); got != c.expected {
			t.Fatalf("unitsFor(%d, %d) = %d, expected %d", c.length, c.unit, got, c.expected)
		}
	}
}

package bitfield

import "testing"

func TestNewBytes(t *testing.T) {
	var v BitField
	var buf = []byte{0x0f}

	v = NewBytes(buf, 8)
	if v.Hex() != "0f" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	v = NewBytes(buf, 7)
	if v.Hex() != "0e" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic but not found")
			}
		}()
		NewBytes(buf, 9)
	}()
}

func TestSetClearTest(t *testing.T) {
	v := New(10)
	if v.Hex() != "0000" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	v.Set(0)
	if v.Hex() != "8000" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	v.Set(9)
	if v.Hex() != "8040" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic but not found")
			}
		}()
		v.Set(10)
	}()

	v.Clear(0)
	if v.Hex() != "0040" {
		t.Errorf("invalid value: %s", v.Hex())
	}

	if v.Test(2) {
		t.Errorf("test is not correct: %s", v.Hex())
	}

	if !v.Test(9) {
		t.Errorf("test is not correct: %s", v.Hex())
	}
}

func TestCountAll(t *testing.T) {
	v := New(10)
	if v.Count() != 0 {
		t.Errorf("invalid count: %d", v.Count())
	}
	if v.All() {
		t.Error("expected All() to be false on empty bitfield")
	}
	for i := uint32(0); i < v.Len(); i++ {
		v.Set(i)
	}
	if v.Count() != 10 {
		t.Errorf("invalid count: %d", v.Count())
	}
	if !v.All() {
		t.Error("expected All() to be true once every bit is set")
	}
}

func TestSetTo(t *testing.T) {
	v := New(8)
	v.SetTo(3, true)
	if !v.Test(3) {
		t.Error("expected bit 3 to be set")
	}
	v.SetTo(3, false)
	if v.Test(3) {
		t.Error("expected bit 3 to be clear")
	}
}

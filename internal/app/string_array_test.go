package app

import (
	"testing"
)

func TestStringArray(t *testing.T) {
	var a StringArray
	a.Set("one")
	a.Set("two")
	if len(a) != 2 || a[0] != "one" || a[1] != "two" {
		t.Fatalf("unexpected contents %v", a)
	}
	if a.String() != "one,two" {
		t.Fatalf("unexpected string %q", a.String())
	}
}

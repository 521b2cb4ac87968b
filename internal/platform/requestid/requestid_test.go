package requestid

import (
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsParseableAndOrdered(t *testing.T) {
	a, b := New(), New()
	if _, err := ulid.Parse(a); err != nil {
		t.Fatalf("Parse(%q): %v", a, err)
	}
	if a >= b {
		t.Fatalf("ids not increasing: %s >= %s", a, b)
	}
}

package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !Valid(a) {
		t.Errorf("New() = %q is not a UUID", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("rcpt_")
	if !strings.HasPrefix(id, "rcpt_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if got := len(strings.TrimPrefix(id, "rcpt_")); got != 32 {
		t.Errorf("suffix length = %d, want 32", got)
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("expected invalid")
	}
}

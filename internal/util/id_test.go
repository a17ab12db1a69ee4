package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	a, b := NewID("req"), NewID("req")
	if !strings.HasPrefix(a, "req_") || len(a) != len("req_")+32 {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if len(NewID("")) != 32 {
		t.Fatal("expected bare hex id without prefix")
	}
}

func TestRequestIDKeepsSafeCallerIDs(t *testing.T) {
	cases := []struct {
		incoming string
		kept     bool
	}{
		{"abc-123_x.y", true},
		{strings.Repeat("a", 64), true},
		{"", false},
		{"has space", false},
		{"line\nbreak", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tc := range cases {
		got := RequestID(tc.incoming)
		if tc.kept && got != tc.incoming {
			t.Fatalf("RequestID(%q) = %q, want it kept", tc.incoming, got)
		}
		if !tc.kept && !strings.HasPrefix(got, "req_") {
			t.Fatalf("RequestID(%q) = %q, want a fresh id", tc.incoming, got)
		}
	}
}

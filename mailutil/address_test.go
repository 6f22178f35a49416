package mailutil

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"alice@example.net", "alice@example.net"},
		{" Alice@Example.NET ", "alice@example.net"},
		{"prvs=1234abcd=alice@example.net", "alice@example.net"},
		{"PRVS=1234ABCD=Alice@example.net", "alice@example.net"},
		{"", ""},
	}
	for _, test := range tests {
		if got := Canonicalize(test.input); got != test.expected {
			t.Errorf("%q: expected %q, got %q", test.input, test.expected, got)
		}
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"alice@example.net", "alice@example.net"},
		{"<alice@example.net>", "alice@example.net"},
		{"Alice <alice@example.net>", "alice@example.net"},
		{"<alice@example.net> SIZE=1024", "alice@example.net"},
		{"<>", ""},
	}
	for _, test := range tests {
		if got := Clean(test.input); got != test.expected {
			t.Errorf("%q: expected %q, got %q", test.input, test.expected, got)
		}
	}
}

func TestStripBATV(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"prvs=1234abcd=alice@example.net", "alice@example.net"},
		{"btv1=0815=alice@example.net", "alice@example.net"},
		{"alice@example.net", "alice@example.net"},
		{"a=b@example.net", "a=b@example.net"},           // only two parts
		{"=b=alice@example.net", "=b=alice@example.net"}, // empty tag
		{"no-at-sign", "no-at-sign"},
	}
	for _, test := range tests {
		if got := StripBATV(test.input); got != test.expected {
			t.Errorf("%q: expected %q, got %q", test.input, test.expected, got)
		}
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain, ok := SplitAddress("alice@example.net")
	if !ok || local != "alice" || domain != "example.net" {
		t.Errorf("got (%q, %q, %v)", local, domain, ok)
	}

	local, domain, ok = SplitAddress(`"weird@local"@example.net`)
	if !ok || local != `"weird@local"` || domain != "example.net" {
		t.Errorf("split must use the last separator, got (%q, %q, %v)", local, domain, ok)
	}

	if _, _, ok := SplitAddress("nodomain"); ok {
		t.Error("expected ok == false")
	}
}

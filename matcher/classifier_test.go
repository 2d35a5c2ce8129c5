package matcher

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		id      string
		known   bool
		channel string
	}{
		{"123456789012", true, "shopmall"},
		{"12345678901234", true, "shopmall"},
		{"12345678901", false, ""},  // too short for shopmall, not vendora shape
		{"BZ-ABC12345", true, "bazarly"},
		{"bz-abc12345", true, "bazarly"}, // case insensitive
		{"BZ-AB", false, ""},
		{"A1B2C3D4E5", true, "vendora"},
		{"1234567890", false, ""}, // vendora shape but no letter
		{"", false, ""},
		{"   ", false, ""},
		{"not-an-id", false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			got := Classify(tc.id)
			if got.Known != tc.known {
				t.Fatalf("Classify(%q).Known = %v, expected %v", tc.id, got.Known, tc.known)
			}
			if got.Channel != tc.channel {
				t.Fatalf("Classify(%q).Channel = %q, expected %q", tc.id, got.Channel, tc.channel)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		channel  string
		id       string
		expected string
	}{
		{"bazarly", "BZ-ABC12345", "ABC12345"},
		{"bazarly", "abc12345", "ABC12345"},
		{"shopmall", " 123456789012 ", "123456789012"},
		{"vendora", "a1b2-c3d4e5", "A1B2C3D4E5"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.channel, tc.id); got != tc.expected {
			t.Fatalf("Normalize(%q, %q) = %q, expected %q", tc.channel, tc.id, got, tc.expected)
		}
	}
}

func TestBaseExternalID(t *testing.T) {
	cases := []struct {
		id           string
		base         string
		isAdjustment bool
	}{
		{"X123_AJUSTE", "X123", true},
		{"X123-ADJ", "X123", true},
		{"x123_ajuste", "x123", true},
		{"X123", "X123", false},
		{"_AJUSTE", "_AJUSTE", false}, // suffix alone is not an adjustment
	}
	for _, tc := range cases {
		base, isAdj := BaseExternalID(tc.id)
		if base != tc.base || isAdj != tc.isAdjustment {
			t.Fatalf("BaseExternalID(%q) = (%q, %v), expected (%q, %v)",
				tc.id, base, isAdj, tc.base, tc.isAdjustment)
		}
	}
}

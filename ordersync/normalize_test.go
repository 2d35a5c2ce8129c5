package ordersync

import (
	"testing"
	"time"
)

func TestParseUpstreamTime(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"2024-06-01T10:30:00Z", true},
		{"2024-06-01 10:30:00", true},
		{"2024-06-01", true},
		{"", false},
		{"yesterday", false},
	}
	for _, tc := range cases {
		got := parseUpstreamTime(tc.in)
		if (got != nil) != tc.ok {
			t.Fatalf("parseUpstreamTime(%q) = %v, expected parseable=%v", tc.in, got, tc.ok)
		}
	}

	got := parseUpstreamTime("2024-06-01T10:30:00Z")
	if !got.Equal(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected parsed time: %v", got)
	}
}

func TestValidStreamAndChannel(t *testing.T) {
	for _, s := range []string{"orders", "stock", "catalog"} {
		if !validStream(s) {
			t.Fatalf("stream %q must be valid", s)
		}
	}
	if validStream("payments") {
		t.Fatal("unknown stream accepted")
	}
	for _, ch := range []string{"erp", "shopmall", "bazarly", "vendora"} {
		if !validChannel(ch) {
			t.Fatalf("channel %q must be valid", ch)
		}
	}
	if validChannel("amazon") {
		t.Fatal("unknown channel accepted")
	}
}

func TestRecordUpdatedAt(t *testing.T) {
	if _, ok := recordUpdatedAt([]byte(`{"id":"a"}`)); ok {
		t.Fatal("record without timestamps must report none")
	}
	if _, ok := recordUpdatedAt([]byte(`not json`)); ok {
		t.Fatal("unparseable record must report none")
	}

	got, ok := recordUpdatedAt([]byte(`{"id":"a","updated_at":"2024-06-01T10:30:00Z"}`))
	if !ok || !got.Equal(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("updated_at not extracted: %v ok=%v", got, ok)
	}

	// Settlement lines carry occurred_at instead of updated_at.
	got, ok = recordUpdatedAt([]byte(`{"id":"p","occurred_at":"2024-06-02"}`))
	if !ok || !got.Equal(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("occurred_at not extracted: %v ok=%v", got, ok)
	}
}

func TestStreamHasProjection(t *testing.T) {
	if !streamHasProjection("orders") {
		t.Fatal("orders must be projected")
	}
	for _, s := range []string{"stock", "catalog"} {
		if streamHasProjection(s) {
			t.Fatalf("stream %q has no typed projection", s)
		}
	}
}

func TestBoolOrPrefersExplicitFlag(t *testing.T) {
	no := false
	if boolOr(&no, true) {
		t.Fatal("explicit false must win over type fallback")
	}
	if !boolOr(nil, true) {
		t.Fatal("fallback must apply when the flag is absent")
	}
}

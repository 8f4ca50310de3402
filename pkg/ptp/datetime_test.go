package ptp

import (
	"testing"
	"time"
)

func TestParseDateTimeFullForm(t *testing.T) {
	got, err := ParseDateTime("20230615T143052.5+0200")
	if err != nil {
		t.Fatalf("ParseDateTime: %v", err)
	}
	want := time.Date(2023, 6, 15, 14, 30, 52, 0, time.FixedZone("+0200", 2*3600))
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseDateTimeNoFractionalNoTZ(t *testing.T) {
	got, err := ParseDateTime("20230615T143052")
	if err != nil {
		t.Fatalf("ParseDateTime: %v", err)
	}
	want := time.Date(2023, 6, 15, 14, 30, 52, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseDateTimeFractionalNoTZ(t *testing.T) {
	got, err := ParseDateTime("20230615T143052.25")
	if err != nil {
		t.Fatalf("ParseDateTime: %v", err)
	}
	want := time.Date(2023, 6, 15, 14, 30, 52, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseDateTimeNegativeTZNoFractional(t *testing.T) {
	got, err := ParseDateTime("20230615T143052-0500")
	if err != nil {
		t.Fatalf("ParseDateTime: %v", err)
	}
	if got.UTC().Hour() != 19 {
		t.Fatalf("got hour %d UTC, want 19 (14:30 local -0500 == 19:30 UTC)", got.UTC().Hour())
	}
}

func TestParseDateTimeEmptyIsZeroTime(t *testing.T) {
	got, err := ParseDateTime("")
	if err != nil {
		t.Fatalf("ParseDateTime(\"\"): %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("got %v, want zero time", got)
	}
}

func TestParseDateTimeShortStringErrors(t *testing.T) {
	if _, err := ParseDateTime("2023061"); err == nil {
		t.Fatalf("expected error for short datetime string")
	}
}

func TestFormatDateTimeRoundTrip(t *testing.T) {
	in := time.Date(2023, 6, 15, 14, 30, 52, 0, time.UTC)
	s := FormatDateTime(in)

	got, err := ParseDateTime(s)
	if err != nil {
		t.Fatalf("ParseDateTime(%q): %v", s, err)
	}
	if !got.Equal(in) {
		t.Fatalf("round trip: got %v, want %v", got, in)
	}
}

func TestFormatDateTimeZeroIsEmpty(t *testing.T) {
	if s := FormatDateTime(time.Time{}); s != "" {
		t.Fatalf("FormatDateTime(zero) = %q, want empty", s)
	}
}

package frequency

import (
	"errors"
	"testing"

	"github.com/danmuck/racectl/internal/testutil/testlog"
)

func TestBandChannelRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, band := range Bands() {
		for ch := 1; ch <= ChannelsPerBand; ch++ {
			f, err := FrequencyOf(band, ch)
			if err != nil {
				t.Fatalf("frequency of %c%d: %v", band, ch, err)
			}
			got, ok := BandChannelOf(f)
			if !ok {
				t.Fatalf("no band/channel for %d", f)
			}
			want := BandChannel{Band: band, Channel: ch}
			if band == BandF && ch == 8 {
				// shadowed by raceband C7
				want = BandChannel{Band: BandC, Channel: 7}
			}
			if got != want {
				t.Fatalf("round trip %c%d (%d MHz): got=%v want=%v", band, ch, f, got, want)
			}
		}
	}
}

func TestBandChannelOfPriority(t *testing.T) {
	testlog.Start(t)
	got, ok := BandChannelOf(5880)
	if !ok || got.Band != BandC || got.Channel != 7 {
		t.Fatalf("expected C7 for 5880, got=%v ok=%v", got, ok)
	}
	if _, ok := BandChannelOf(5801); ok {
		t.Fatalf("expected miss for 5801")
	}
}

func TestCodeOf(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		freq int
		want string
	}{
		{0, UnassignedCode},
		{5658, "C1"},
		{5800, "F4"},
		{5865, "A1"},
		{5645, "E4"},
		{1234, UnassignedCode},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.freq); got != tc.want {
			t.Fatalf("CodeOf(%d)=%q want %q", tc.freq, got, tc.want)
		}
	}
}

func TestParseCode(t *testing.T) {
	testlog.Start(t)
	bc, ok, err := ParseCode("b3")
	if err != nil || !ok {
		t.Fatalf("parse b3: ok=%v err=%v", ok, err)
	}
	if bc.Band != BandB || bc.Channel != 3 {
		t.Fatalf("unexpected parse: %v", bc)
	}
	if _, ok, err := ParseCode("FF"); ok || err != nil {
		t.Fatalf("FF should be unassigned without error, ok=%v err=%v", ok, err)
	}
	if _, _, err := ParseCode("X1"); !errors.Is(err, ErrUnknownBand) {
		t.Fatalf("expected ErrUnknownBand, got %v", err)
	}
	if _, _, err := ParseCode("A9"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if _, _, err := ParseCode("A10"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	f, err := FrequencyOfCode("C1")
	if err != nil || f != 5658 {
		t.Fatalf("FrequencyOfCode(C1)=%d err=%v", f, err)
	}
}

func TestFrequencyOfRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	if _, err := FrequencyOf('Z', 1); !errors.Is(err, ErrUnknownBand) {
		t.Fatalf("expected ErrUnknownBand, got %v", err)
	}
	if _, err := FrequencyOf(BandA, 0); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

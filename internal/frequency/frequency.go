// Package frequency maps the 5.8 GHz video band/channel plan to MHz.
package frequency

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownBand    = errors.New("frequency: unknown band")
	ErrInvalidChannel = errors.New("frequency: channel out of range")
	ErrInvalidCode    = errors.New("frequency: invalid band/channel code")
)

// Band is the single-letter band identifier used on the device wire.
type Band byte

const (
	BandA Band = 'A'
	BandB Band = 'B'
	BandC Band = 'C'
	BandE Band = 'E'
	BandF Band = 'F'
)

const ChannelsPerBand = 8

// UnassignedCode is sent in place of a band/channel when a pilot has no frequency.
const UnassignedCode = "FF"

var tables = map[Band][ChannelsPerBand]int{
	BandA: {5865, 5845, 5825, 5805, 5785, 5765, 5745, 5725},
	BandB: {5733, 5752, 5771, 5790, 5809, 5828, 5847, 5866},
	BandC: {5658, 5695, 5732, 5769, 5806, 5843, 5880, 5917},
	BandE: {5705, 5685, 5665, 5645, 5885, 5905, 5925, 5945},
	BandF: {5740, 5760, 5780, 5800, 5820, 5840, 5860, 5880},
}

// lookupOrder is the band priority for reverse lookups. 5880 is both C7 and F8.
var lookupOrder = []Band{BandC, BandA, BandB, BandE, BandF}

// BandChannel addresses one entry of the channel plan. Channel is 1-based.
type BandChannel struct {
	Band    Band
	Channel int
}

func (bc BandChannel) String() string {
	return Code(bc)
}

// Bands returns every known band in lookup priority order.
func Bands() []Band {
	out := make([]Band, len(lookupOrder))
	copy(out, lookupOrder)
	return out
}

func FrequencyOf(band Band, channel int) (int, error) {
	table, ok := tables[band]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBand, string(band))
	}
	if channel < 1 || channel > ChannelsPerBand {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return table[channel-1], nil
}

// BandChannelOf returns the first band/channel carrying freqMHz.
func BandChannelOf(freqMHz int) (BandChannel, bool) {
	for _, band := range lookupOrder {
		for i, f := range tables[band] {
			if f == freqMHz {
				return BandChannel{Band: band, Channel: i + 1}, true
			}
		}
	}
	return BandChannel{}, false
}

// Code renders the two-character wire form, e.g. "C1".
func Code(bc BandChannel) string {
	return fmt.Sprintf("%c%d", bc.Band, bc.Channel)
}

// CodeOf resolves freqMHz to its wire code. Zero or unknown frequencies map to
// UnassignedCode.
func CodeOf(freqMHz int) string {
	if freqMHz == 0 {
		return UnassignedCode
	}
	bc, ok := BandChannelOf(freqMHz)
	if !ok {
		return UnassignedCode
	}
	return Code(bc)
}

// ParseCode decodes a wire code. UnassignedCode yields ok=false with a nil error.
func ParseCode(code string) (BandChannel, bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == UnassignedCode {
		return BandChannel{}, false, nil
	}
	if len(code) != 2 {
		return BandChannel{}, false, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	band := Band(code[0])
	if _, ok := tables[band]; !ok {
		return BandChannel{}, false, fmt.Errorf("%w: %q", ErrUnknownBand, code)
	}
	ch := int(code[1] - '0')
	if ch < 1 || ch > ChannelsPerBand {
		return BandChannel{}, false, fmt.Errorf("%w: %q", ErrInvalidChannel, code)
	}
	return BandChannel{Band: band, Channel: ch}, true, nil
}

// FrequencyOfCode decodes a wire code straight to MHz; UnassignedCode is 0.
func FrequencyOfCode(code string) (int, error) {
	bc, ok, err := ParseCode(code)
	if err != nil || !ok {
		return 0, err
	}
	return FrequencyOf(bc.Band, bc.Channel)
}

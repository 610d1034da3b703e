package device

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/danmuck/racectl/internal/frequency"
	"github.com/danmuck/racectl/internal/protocol/frame"
	"github.com/danmuck/racectl/internal/race"
	"github.com/rs/zerolog/log"
)

// VRXReading is the response to the VRX arming command.
type VRXReading struct {
	Code string
	RSSI int
}

var vrxResponse = regexp.MustCompile(`^([A-F][1-8]|FF),(-?\d+)dbm`)

// PilotCount returns the number of configured pilots. The value is cached
// until the next pilot configuration command.
func (e *Engine) PilotCount(ctx context.Context) (int, error) {
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()
	if e.pilotCountValid {
		return e.pilotCount, nil
	}
	resp, err := e.exchangeWithRetryLocked(ctx, NewCommand(CodePilotConfig), func(r Response) bool {
		if !KeyIs(KeyRacers)(r) {
			return false
		}
		n, err := r.Int()
		return err == nil && n >= 0 && n <= MaxPilots
	})
	if err != nil {
		return 0, err
	}
	n, _ := resp.Int()
	e.pilotCount = n
	e.pilotCountValid = true
	return n, nil
}

// SetPilotFrequency assigns freqMHz to pilot index (0-based). Zero, or a
// frequency outside the channel plan, clears the assignment.
func (e *Engine) SetPilotFrequency(ctx context.Context, index, freqMHz int) error {
	if err := checkPilot(index); err != nil {
		return err
	}
	code := frequency.CodeOf(freqMHz)
	stored := freqMHz
	if code == frequency.UnassignedCode {
		stored = 0
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.invalidatePilotsLocked()
	cmd := NewCommand(CodePilotConfig, strconv.Itoa(index+1), code)
	if _, err := e.exchangeWithRetryLocked(ctx, cmd, KeyIs(KeyRacers)); err != nil {
		return err
	}
	e.pilotFreqs[index] = stored
	log.Info().Int("pilot", index).Int("frequency", freqMHz).Str("code", code).Msg("pilot frequency set")
	return nil
}

// PilotFrequency returns the frequency assigned to pilot index, reading the
// device flash config on a cache miss. Unassigned pilots report 0.
func (e *Engine) PilotFrequency(ctx context.Context, index int) (int, error) {
	if err := checkPilot(index); err != nil {
		return 0, err
	}
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()
	if f := e.pilotFreqs[index]; f != 0 {
		return f, nil
	}

	slot := strconv.Itoa(e.opts.PilotFlashOffset + index)
	value, err := e.readKeyedValueLocked(ctx, NewCommand(CodeFlashRead, slot), slot)
	if err != nil {
		return 0, err
	}
	f, err := frequency.FrequencyOfCode(value)
	if err != nil {
		return 0, fmt.Errorf("%w: pilot %d band/channel %q: %w", ErrUnexpectedResponse, index, value, err)
	}
	e.pilotFreqs[index] = f
	return f, nil
}

func (e *Engine) TriggerRSSI(ctx context.Context) (int, error) {
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()
	return e.readKeyedIntLocked(ctx, NewCommand(CodeTriggerRSSI), KeyGate)
}

func (e *Engine) SetTriggerRSSI(ctx context.Context, value int) error {
	if value < 0 || value > 255 {
		return validationError("trigger rssi %d out of range", value)
	}
	_, err := e.ExchangeWithRetry(ctx, NewCommand(CodeTriggerRSSI, strconv.Itoa(value)), HasPrefix(KeyGate))
	return err
}

// SetMinLapTime sets the minimum lap time in seconds.
func (e *Engine) SetMinLapTime(ctx context.Context, seconds int) error {
	if seconds < 0 {
		return validationError("minimum lap time %d is negative", seconds)
	}
	_, err := e.ExchangeWithRetry(ctx, NewCommand(CodeMinLapTime, strconv.Itoa(seconds)), NonEmpty)
	return err
}

// RSSI returns the live signal strength.
func (e *Engine) RSSI(ctx context.Context) (int, error) {
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()
	return e.readKeyedIntLocked(ctx, NewCommand(CodeRSSI), KeyRSSI)
}

// ActivateVRX arms the device's signal reporting mode.
func (e *Engine) ActivateVRX(ctx context.Context) (VRXReading, error) {
	if err := e.acquire(ctx); err != nil {
		return VRXReading{}, err
	}
	defer e.release()
	return e.activateVRXLocked(ctx)
}

func (e *Engine) activateVRXLocked(ctx context.Context) (VRXReading, error) {
	resp, err := e.exchangeWithRetryLocked(ctx, NewCommand(CodeActivateVRX), func(r Response) bool {
		return vrxResponse.MatchString(r.Raw)
	})
	if err != nil {
		return VRXReading{}, err
	}
	m := vrxResponse.FindStringSubmatch(resp.Raw)
	rssi, _ := strconv.Atoi(m[2])
	return VRXReading{Code: m[1], RSSI: rssi}, nil
}

// Battery returns the raw battery report.
func (e *Engine) Battery(ctx context.Context) (string, error) {
	resp, err := e.ExchangeWithRetry(ctx, NewCommand(CodeBattery), NonEmpty)
	if err != nil {
		return "", err
	}
	return resp.Raw, nil
}

// SendRaw exchanges one diagnostics line without retry or validation of the
// response. Pilot configuration lines still invalidate the pilot caches.
func (e *Engine) SendRaw(ctx context.Context, line string) (string, error) {
	cmd := ParseCommand(line)
	if err := e.acquire(ctx); err != nil {
		return "", err
	}
	defer e.release()
	if cmd.Code == CodePilotConfig && len(cmd.Args) > 0 {
		e.invalidatePilotsLocked()
	}
	return e.exchangeLocked(ctx, cmd)
}

// StopRace tells the device to stop a race. The device sends no response.
func (e *Engine) StopRace(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return e.writeLocked(ctx, NewCommand(CodeStopRace))
}

// Calibrate runs gate calibration, reporting each status line to progress
// until the device reports Calibrated.
func (e *Engine) Calibrate(ctx context.Context, progress func(string)) error {
	if progress == nil {
		progress = func(string) {}
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CalibrationTimeout)
	defer cancel()
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	notes, unsubscribe := e.link.Subscribe()
	defer unsubscribe()

	first, err := e.exchangeLocked(ctx, NewCommand(CodeCalibrate))
	if err != nil {
		return err
	}
	progress(first)
	if calibrated(first) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device: calibration: %w", ctx.Err())
		case b, ok := <-notes:
			if !ok {
				return NotConnected("calibrate")
			}
			text := strings.TrimSpace(frame.Decode(b))
			if text == "" {
				continue
			}
			progress(text)
			if calibrated(text) {
				return nil
			}
		}
	}
}

// StartRace arms VRX, starts a race in mode and returns the lap stream. The
// stream lasts until the session is stopped or the link disconnects.
func (e *Engine) StartRace(ctx context.Context, mode RaceMode) (*race.Session, error) {
	if !mode.Valid() {
		return nil, validationError("race mode %d", mode)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if _, err := e.activateVRXLocked(ctx); err != nil {
		return nil, err
	}
	notes, unsubscribe := e.link.Subscribe()
	if _, err := e.exchangeWithRetryLocked(ctx, NewCommand(mode.code()), TokenIs(TokenReady)); err != nil {
		unsubscribe()
		return nil, err
	}
	log.Info().Int("mode", int(mode)).Msg("race started")
	return race.NewSession(notes, unsubscribe), nil
}

func (e *Engine) invalidatePilotsLocked() {
	e.pilotCount = 0
	e.pilotCountValid = false
	e.pilotFreqs = [MaxPilots]int{}
}

func calibrated(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), TokenCalibrated)
}

func checkPilot(index int) error {
	if index < 0 || index >= MaxPilots {
		return validationError("pilot index %d out of range", index)
	}
	return nil
}

// Package frame decodes the fixed-width ASCII telemetry lines sent by the
// fan controller firmware.
//
// Line layout (one line per update, newline terminated):
//
//	A 05 36 80 25 50
//	│ │  │  │  │  └─ start fan speed   (offset 9-10)
//	│ │  │  │  └──── activation temp   (offset 7-8)
//	│ │  │  └─────── fan speed         (offset 5-6)
//	│ │  └────────── temperature       (offset 3-4)
//	│ └───────────── people count      (offset 1-2)
//	└─────────────── mode, 'A' or 'M'  (offset 0)
//
// The firmware always sends all eleven characters; anything shorter is a
// truncated transmission and is rejected. The host has only ever consumed
// the first three numeric fields. Level selects how much of the line is
// decoded.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for truncated lines and non-digit field characters.
var ErrMalformed = errors.New("frame: malformed telemetry line")

// Level selects how much of a telemetry line is decoded.
type Level int

const (
	// LevelPartial decodes people count, temperature and fan speed only.
	LevelPartial Level = iota
	// LevelFull also decodes mode, activation temperature and start fan speed.
	LevelFull
)

const (
	// Len is the length of a complete telemetry line without terminator.
	Len = 11

	ModeAuto   byte = 'A'
	ModeManual byte = 'M'
)

// ParseLevel maps a config string to a Level. Empty means partial.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "partial":
		return LevelPartial, nil
	case "full":
		return LevelFull, nil
	default:
		return LevelPartial, fmt.Errorf("frame: unknown decode level %q", s)
	}
}

func (l Level) String() string {
	if l == LevelFull {
		return "full"
	}
	return "partial"
}

// Fields is one decoded telemetry line. Complete is true when the
// optional fields (Mode, ActivationTemp, StartFanSpeed) were decoded.
type Fields struct {
	PeopleCount int `json:"peopleCount"`
	Temperature int `json:"temperature"`
	FanSpeed    int `json:"fanSpeed"`

	Complete       bool `json:"complete"`
	Mode           byte `json:"-"`
	ActivationTemp int  `json:"activationTemp,omitempty"`
	StartFanSpeed  int  `json:"startFanSpeed,omitempty"`
}

// Codec parses telemetry lines at a fixed Level.
type Codec struct {
	Level Level
}

// NewCodec returns a Codec for the given level.
func NewCodec(level Level) *Codec {
	return &Codec{Level: level}
}

// Parse decodes a single line at LevelPartial.
func Parse(line string) (Fields, error) {
	return (&Codec{}).Parse(line)
}

// Parse decodes line. On error the returned Fields is the zero value.
func (c *Codec) Parse(line string) (Fields, error) {
	line = strings.TrimRight(line, "\r\n ")

	if len(line) < Len {
		return Fields{}, fmt.Errorf("%w: length %d, want %d", ErrMalformed, len(line), Len)
	}

	var f Fields
	var err error
	if f.PeopleCount, err = twoDigits(line, 1); err != nil {
		return Fields{}, err
	}
	if f.Temperature, err = twoDigits(line, 3); err != nil {
		return Fields{}, err
	}
	if f.FanSpeed, err = twoDigits(line, 5); err != nil {
		return Fields{}, err
	}

	if c.Level != LevelFull {
		return f, nil
	}

	mode := line[0]
	if mode != ModeAuto && mode != ModeManual {
		return Fields{}, fmt.Errorf("%w: mode byte %q", ErrMalformed, mode)
	}
	if f.ActivationTemp, err = twoDigits(line, 7); err != nil {
		return Fields{}, err
	}
	if f.StartFanSpeed, err = twoDigits(line, 9); err != nil {
		return Fields{}, err
	}
	// Firmware never reports a zero start speed; treat it as corruption.
	if f.StartFanSpeed == 0 {
		return Fields{}, fmt.Errorf("%w: start fan speed 00", ErrMalformed)
	}
	f.Mode = mode
	f.Complete = true
	return f, nil
}

// twoDigits reads the unsigned two-digit decimal at line[off:off+2].
func twoDigits(line string, off int) (int, error) {
	hi, lo := line[off], line[off+1]
	if !isDigit(hi) || !isDigit(lo) {
		return 0, fmt.Errorf("%w: non-digit %q at offset %d", ErrMalformed, line[off:off+2], off)
	}
	return int(hi-'0')*10 + int(lo-'0'), nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Format renders f as a full eleven-character line without terminator.
// Values are clamped to 0-99; a zero Mode is written as 'A'.
func Format(f Fields) string {
	mode := f.Mode
	if mode != ModeManual {
		mode = ModeAuto
	}
	return fmt.Sprintf("%c%02d%02d%02d%02d%02d", mode,
		clamp(f.PeopleCount), clamp(f.Temperature), clamp(f.FanSpeed),
		clamp(f.ActivationTemp), clamp(f.StartFanSpeed))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 99 {
		return 99
	}
	return v
}

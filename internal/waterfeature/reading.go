package waterfeature

import (
	"strconv"
	"strings"
	"time"
)

// Measurement is one channel's value within a reading.
//
// Value is 0.0 when the source token was empty or non-numeric; the original
// token is always preserved in Raw so degraded data stays diagnosable.
type Measurement struct {
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Description string  `json:"description"`
	Raw         string  `json:"raw"`
}

// Reading is one parsed sample from the instrument.
//
// DeviceTimestamp is the instrument's own clock field, carried through
// verbatim and never validated. LocalTimestamp and EpochTimestamp are
// stamped at parse time from the local wall clock.
//
// Readings are immutable once constructed; a new sample supersedes the
// previous one rather than mutating it.
type Reading struct {
	DeviceID        string                 `json:"device_id"`
	DeviceTimestamp string                 `json:"device_timestamp"`
	LocalTimestamp  string                 `json:"local_timestamp"`
	EpochTimestamp  int64                  `json:"epoch_timestamp"`
	Measurements    map[string]Measurement `json:"measurements"`
	RawLine         string                 `json:"raw_line"`
}

// Copy returns an independent copy of the reading. Mutating the copy's
// measurement map never affects the original.
func (r Reading) Copy() Reading {
	out := r
	out.Measurements = make(map[string]Measurement, len(r.Measurements))
	for name, m := range r.Measurements {
		out.Measurements[name] = m
	}
	return out
}

// ParseReading converts one raw line from the instrument into a Reading.
//
// The line is split on commas: field 0 is the device timestamp, fields 1..N
// map positionally onto the channel catalogue. Fewer value fields than
// channels produce a shorter reading; extra fields are ignored. A token
// that is empty or fails float conversion yields value 0.0 with the token
// preserved in Raw — malformed numeric data is not an error.
//
// Returns ErrInsufficientFields when the line has fewer than two fields.
func ParseReading(line, deviceID string) (Reading, error) {
	trimmed := strings.TrimSpace(line)

	parts := strings.Split(trimmed, ",")
	if len(parts) < 2 {
		return Reading{}, ErrInsufficientFields
	}

	now := time.Now()
	reading := Reading{
		DeviceID:        deviceID,
		DeviceTimestamp: parts[0],
		LocalTimestamp:  now.Format(time.RFC3339),
		EpochTimestamp:  now.Unix(),
		Measurements:    make(map[string]Measurement, len(channelCatalogue)),
		RawLine:         trimmed,
	}

	for i, token := range parts[1:] {
		if i >= len(channelCatalogue) {
			break
		}
		ch := channelCatalogue[i]
		raw := strings.TrimSpace(token)

		value := 0.0
		if raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				value = v
			}
		}

		reading.Measurements[ch.Name] = Measurement{
			Value:       value,
			Unit:        ch.Unit,
			Description: ch.Description,
			Raw:         raw,
		}
	}

	return reading, nil
}

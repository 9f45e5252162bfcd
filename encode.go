// Package gladrgb converts GLAD deforestation alert rasters into the
// three-band RGB encoding used by web map clients to decode alert date,
// confidence and intensity on the front end.
//
// The input "date-conf" band packs three facts into one uint16: values below
// 20000 mean no alert, 20000-29999 is a provisional alert and 30000-39999 a
// confirmed one, with the low four digits counting days since 2014-12-31.
// EncodePixel unpacks that value, pairs it with the intensity band and
// re-packs everything into three bytes per pixel.
package gladrgb

import "time"

// Date-conf band layout.
const (
	alertFloor     = 20000 // below this the pixel carries no alert
	confirmedFloor = 30000 // first value of the "confirmed" range

	provisionalOffset = 100 // added to intensity for provisional alerts
	confirmedOffset   = 200 // added to intensity for confirmed alerts
)

// AlertEpoch is the reference date for the day offset encoded in the
// date-conf band. Day 1 is 2015-01-01.
var AlertEpoch = time.Date(2014, time.December, 31, 0, 0, 0, 0, time.UTC)

// Pixel is one output pixel: the three byte channels written to output
// bands 1, 2 and 3 respectively.
type Pixel struct {
	Day       uint8 // day offset / 255
	Conf      uint8 // day offset % 255, 0 when no alert
	Intensity uint8 // intensity plus confidence-class offset, wraps on overflow
}

// EncodePixel maps one date-conf sample and one intensity sample to an
// output pixel. It is pure and total over the uint16 domain: out-of-range
// inputs are not validated, values of 40000 and above simply classify as
// confirmed. The intensity sum is truncated to 8 bits without clamping,
// matching the encoding the client-side decoder was built against.
func EncodePixel(alert, intensity uint16) Pixel {
	if alert < alertFloor {
		// No alert: intensity passes through untouched.
		return Pixel{Intensity: uint8(intensity)}
	}

	var day, classOffset int
	if alert < confirmedFloor {
		day = int(alert) - alertFloor
		classOffset = provisionalOffset
	} else {
		day = int(alert) - confirmedFloor
		classOffset = confirmedOffset
	}

	return Pixel{
		Day:       uint8(day / 255),
		Conf:      uint8(day % 255),
		Intensity: uint8(classOffset + int(intensity)),
	}
}

// DecodeDay reconstructs the day offset from the first two output channels.
// It is the exact inverse of the day split in EncodePixel for any offset
// representable in two 255-radix digits.
func DecodeDay(day, conf uint8) int {
	return int(day)*255 + int(conf)
}

// AlertDate converts a day offset to its calendar date.
func AlertDate(dayOffset int) time.Time {
	return AlertEpoch.AddDate(0, 0, dayOffset)
}

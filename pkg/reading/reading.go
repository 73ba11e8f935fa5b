// Package reading defines the sensor Reading record and its wire encoding.
package reading

import (
	"math"
	"time"
)

// Reading is one sensor sample as sent over the wire and stored in the readings table.
type Reading struct {
	SensorID    int64
	Temperature float64
	Humidity    float64
	// Timestamp is the capture time in seconds since the Unix epoch.
	Timestamp float64
}

// New builds a Reading captured at t.
func New(sensorID int64, temperature, humidity float64, t time.Time) Reading {
	return Reading{
		SensorID:    sensorID,
		Temperature: temperature,
		Humidity:    humidity,
		Timestamp:   float64(t.UnixNano()) / float64(time.Second),
	}
}

// Time converts Timestamp back to a time.Time in UTC.
func (r Reading) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

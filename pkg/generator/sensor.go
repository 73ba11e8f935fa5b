// Package generator produces synthetic sensor readings with realistic daily patterns.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/sensor-ingest/pkg/reading"
)

// Sensor id bounds used by RandomSensorID.
const (
	MinSensorID = 1
	MaxSensorID = 9999
)

// Generator produces correlated temperature/humidity readings for one sensor.
type Generator struct {
	sensorID         int64
	baselineTemp     float64
	baselineHumidity float64
	noise            float64
}

// RandomSensorID returns a sensor id in [MinSensorID, MaxSensorID].
func RandomSensorID() int64 {
	return int64(gofakeit.IntRange(MinSensorID, MaxSensorID))
}

// New creates a generator with randomized baselines for the given sensor.
func New(sensorID int64) *Generator {
	return &Generator{
		sensorID:         sensorID,
		baselineTemp:     20.0 + rand.Float64()*10, // 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20, // 50-70%
		noise:            rand.Float64() * 2,
	}
}

// SensorID returns the id stamped on every generated reading.
func (g *Generator) SensorID() int64 {
	return g.sensorID
}

// Temperature with daily pattern.
func (g *Generator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)

	noise := (rand.Float64() - 0.5) * g.noise

	// Occasional anomalies (5% chance)
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity with inverse temperature correlation, clamped to 20-95%.
func (g *Generator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())

	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * g.noise * 0.5

	// Rain spike, 3% chance
	anomaly := 0.0
	if rand.Float64() < 0.03 {
		anomaly = rand.Float64() * 20
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + anomaly
	return math.Max(20, math.Min(95, humidity))
}

// Next returns a reading captured at t.
func (g *Generator) Next(t time.Time) reading.Reading {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)

	return reading.New(
		g.sensorID,
		math.Round(temperature*100)/100,
		math.Round(humidity*100)/100,
		t,
	)
}

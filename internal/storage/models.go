// Package storage persists readings to PostgreSQL through gorm.
package storage

import (
	"procodus.dev/sensor-ingest/pkg/reading"
)

// Record is one row of the readings table. The table has exactly the four
// reading columns and no surrogate key.
type Record struct {
	SensorID    int64   `gorm:"column:sensor_id;not null"`
	Temperature float64 `gorm:"column:temperature;type:double precision;not null"`
	Humidity    float64 `gorm:"column:humidity;type:double precision;not null"`
	Timestamp   float64 `gorm:"column:timestamp;type:double precision;not null"`
}

// TableName specifies the table name for Record.
func (Record) TableName() string {
	return "readings"
}

// FromReading converts a wire reading into a row.
func FromReading(r reading.Reading) Record {
	return Record{
		SensorID:    r.SensorID,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Timestamp:   r.Timestamp,
	}
}

// Reading converts a row back into a reading.
func (rec Record) Reading() reading.Reading {
	return reading.Reading{
		SensorID:    rec.SensorID,
		Temperature: rec.Temperature,
		Humidity:    rec.Humidity,
		Timestamp:   rec.Timestamp,
	}
}

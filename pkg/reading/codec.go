package reading

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire keys of the flat key/value record.
const (
	KeySensorID    = "sensor_id"
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyTimestamp   = "timestamp"
)

// ErrMalformed is returned by Decode when a message is not a valid reading record.
var ErrMalformed = errors.New("malformed reading")

// Encode serializes r as a UTF-8 JSON object, one message per reading.
func Encode(r Reading) ([]byte, error) {
	record, err := structpb.NewStruct(map[string]any{
		KeySensorID:    r.SensorID,
		KeyTemperature: r.Temperature,
		KeyHumidity:    r.Humidity,
		KeyTimestamp:   r.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build reading record: %w", err)
	}

	data, err := protojson.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reading: %w", err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Reading, error) {
	record := &structpb.Struct{}
	if err := protojson.Unmarshal(data, record); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	fields := record.GetFields()

	id, err := number(fields, KeySensorID)
	if err != nil {
		return Reading{}, err
	}
	if id != math.Trunc(id) || math.Abs(id) > 1<<53 {
		return Reading{}, fmt.Errorf("%w: %s is not an integer", ErrMalformed, KeySensorID)
	}

	temperature, err := number(fields, KeyTemperature)
	if err != nil {
		return Reading{}, err
	}

	humidity, err := number(fields, KeyHumidity)
	if err != nil {
		return Reading{}, err
	}

	timestamp, err := number(fields, KeyTimestamp)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		SensorID:    int64(id),
		Temperature: temperature,
		Humidity:    humidity,
		Timestamp:   timestamp,
	}, nil
}

func number(fields map[string]*structpb.Value, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, key)
	}
	return n.NumberValue, nil
}

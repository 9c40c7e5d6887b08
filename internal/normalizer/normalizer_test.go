package normalizer

import (
	"errors"
	"testing"
	"time"

	"sleepsense-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fingerTopic = "sleepsense/device/SS-2025-X1-28934/finger"
	beltTopic   = "sleepsense/device/SS-2025-X1-28934/belt"
	statusTopic = "sleepsense/device/SS-2025-X1-28934/status"
)

var arrival = time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)

func TestNormalize_FingerShapesAreEquivalent(t *testing.T) {
	reading := `{"timestamp":"2025-03-01T22:00:01Z","spo2":95.5,"bpm":61,"raw_ir":51234,"raw_red":48211}`

	payloads := map[Shape]string{
		ShapeArray:   `[` + reading + `]`,
		ShapeWrapped: `{"data":[` + reading + `]}`,
		ShapeFlat:    reading,
	}

	var results []*Message
	for shape, payload := range payloads {
		msg, err := Normalize(fingerTopic, []byte(payload), arrival)
		require.NoError(t, err, shape.String())
		assert.Equal(t, shape, msg.Shape)
		results = append(results, msg)
	}

	for _, msg := range results[1:] {
		assert.Equal(t, results[0].Finger, msg.Finger)
	}

	r := results[0].Finger[0]
	assert.True(t, r.Timestamp.Equal(time.Date(2025, 3, 1, 22, 0, 1, 0, time.UTC)))
	assert.Equal(t, 95.5, r.SpO2)
	assert.Equal(t, 61.0, r.BPM)
	require.NotNil(t, r.RawIR)
	assert.Equal(t, 51234.0, *r.RawIR)
}

func TestNormalize_BeltShapesAreEquivalent(t *testing.T) {
	reading := `{"timestamp":1740866401000,"ecg":0.42,"piezoelectric_voltage":-0.3,"radar_amplitude":1.2}`

	array, err := Normalize(beltTopic, []byte(`[`+reading+`]`), arrival)
	require.NoError(t, err)
	wrapped, err := Normalize(beltTopic, []byte(`{"data":[`+reading+`],"battery_level":80}`), arrival)
	require.NoError(t, err)
	flat, err := Normalize(beltTopic, []byte(`{"data":`+reading+`}`), arrival)
	require.NoError(t, err)

	assert.Equal(t, array.Belt, wrapped.Belt)
	assert.Equal(t, array.Belt, flat.Belt)
	assert.Equal(t, ShapeFlat, flat.Shape)

	require.Len(t, array.Belt, 1)
	assert.Equal(t, time.UnixMilli(1740866401000), array.Belt[0].Timestamp)
	assert.Equal(t, 0.42, array.Belt[0].ECG)
	assert.Equal(t, -0.3, array.Belt[0].PiezoelectricVoltage)

	require.NotNil(t, wrapped.BatteryLevel)
	assert.Equal(t, 80, *wrapped.BatteryLevel)
	assert.Nil(t, array.BatteryLevel)
}

func TestNormalize_BatchKeepsArrivalOrder(t *testing.T) {
	payload := `{"data":[
		{"timestamp":"2025-03-01T22:00:03Z","spo2":97,"bpm":60},
		{"timestamp":"2025-03-01T22:00:01Z","spo2":96,"bpm":61},
		{"timestamp":"2025-03-01T22:00:02Z","spo2":95,"bpm":62}
	]}`

	msg, err := Normalize(fingerTopic, []byte(payload), arrival)
	require.NoError(t, err)
	require.Len(t, msg.Finger, 3)
	assert.Equal(t, []float64{97, 96, 95}, []float64{msg.Finger[0].SpO2, msg.Finger[1].SpO2, msg.Finger[2].SpO2})
}

func TestNormalize_FlatDefaults(t *testing.T) {
	msg, err := Normalize(fingerTopic, []byte(`{"bpm":58}`), arrival)
	require.NoError(t, err)
	require.Len(t, msg.Finger, 1)
	assert.Equal(t, DefaultSpO2, msg.Finger[0].SpO2)
	assert.Equal(t, 58.0, msg.Finger[0].BPM)
	assert.Equal(t, arrival, msg.Finger[0].Timestamp)

	msg, err = Normalize(beltTopic, []byte(`{"ecg":"0.25","timestamp":"not-a-time"}`), arrival)
	require.NoError(t, err)
	require.Len(t, msg.Belt, 1)
	assert.Equal(t, 0.25, msg.Belt[0].ECG)
	assert.Equal(t, DefaultPiezo, msg.Belt[0].PiezoelectricVoltage)
	assert.Equal(t, arrival, msg.Belt[0].Timestamp)
}

func TestNormalize_TopLevelFieldsWinOverNested(t *testing.T) {
	msg, err := Normalize(fingerTopic, []byte(`{"spo2":92,"data":{"spo2":99,"bpm":70}}`), arrival)
	require.NoError(t, err)
	require.Len(t, msg.Finger, 1)
	assert.Equal(t, 92.0, msg.Finger[0].SpO2)
	assert.Equal(t, 70.0, msg.Finger[0].BPM)
}

func TestNormalize_MalformedInput(t *testing.T) {
	_, err := Normalize(fingerTopic, []byte("spo2=97;bpm=60"), arrival)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Normalize(fingerTopic, nil, arrival)
	assert.True(t, errors.Is(err, ErrMalformed))

	for _, payload := range []string{`{"foo":1,"bar":"x"}`, `42`, `"text"`, `[]`, `[1,2,3]`, `{"data":[{"foo":1}]}`} {
		_, err := Normalize(fingerTopic, []byte(payload), arrival)
		assert.True(t, errors.Is(err, ErrUnrecognized), payload)
	}

	// 胸带主题上的指夹字段同样无法识别
	_, err = Normalize(beltTopic, []byte(`{"spo2":97}`), arrival)
	assert.True(t, errors.Is(err, ErrUnrecognized))
}

func TestNormalize_UnknownTopic(t *testing.T) {
	_, err := Normalize("sleepsense/device/X/temperature", []byte(`{"spo2":97}`), arrival)
	assert.True(t, errors.Is(err, ErrUnknownTopic))
}

func TestNormalize_BatteryOnlyReading(t *testing.T) {
	msg, err := Normalize(fingerTopic, []byte(`{"battery_level":64.6}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Len())
	require.NotNil(t, msg.BatteryLevel)
	assert.Equal(t, 65, *msg.BatteryLevel)
	assert.Nil(t, msg.Status)
}

func TestNormalize_WrappedBatteryOnly(t *testing.T) {
	wrapped, err := Normalize(fingerTopic, []byte(`{"data":[{"foo":1}],"battery_level":42}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, ShapeWrapped, wrapped.Shape)
	assert.Equal(t, 0, wrapped.Len())
	require.NotNil(t, wrapped.BatteryLevel)
	assert.Equal(t, 42, *wrapped.BatteryLevel)

	flat, err := Normalize(fingerTopic, []byte(`{"foo":1,"battery_level":42}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, *wrapped.BatteryLevel, *flat.BatteryLevel)
}

func TestNormalize_Status(t *testing.T) {
	msg, err := Normalize(statusTopic, []byte(`{"battery_level":87,"status":"active"}`), arrival)
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Equal(t, models.DeviceStatus{BatteryLevel: 87, Status: models.DeviceActive}, *msg.Status)

	// 整体覆盖：缺失字段取默认值而不是保留旧值
	msg, err = Normalize(statusTopic, []byte(`{"status":"ERROR"}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatus{BatteryLevel: 0, Status: models.DeviceError}, *msg.Status)

	msg, err = Normalize(statusTopic, []byte(`{"data":{"battery_level":150}}`), arrival)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatus{BatteryLevel: 100, Status: models.DeviceInactive}, *msg.Status)

	_, err = Normalize(statusTopic, []byte(`{"uptime":10}`), arrival)
	assert.True(t, errors.Is(err, ErrUnrecognized))

	_, err = Normalize(statusTopic, []byte(`[{"status":"active"}]`), arrival)
	assert.True(t, errors.Is(err, ErrUnrecognized))
}

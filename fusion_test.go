package iqua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func numProp(v float64) Property {
	return Property{Value: NumberScalar(v)}
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func testDevice() Device {
	return Device{
		ID: "dev-1",
		Properties: map[string]Property{
			PROP_MODEL_DESCRIPTION:   {Value: StringScalar("IQ700")},
			PROP_MODEL_ID:            {Value: StringScalar("700")},
			PROP_SERVICE_ACTIVE:      {Value: BoolScalar(true)},
			PROP_DEVICE_DATE:         {Value: StringScalar("2026-08-25T10:15:00Z")},
			PROP_VOLUME_UNIT:         numProp(0),
			PROP_CURRENT_WATER_FLOW:  {Value: NumberScalar(0.5), ConvertedValue: NumberScalar(1.0)},
			PROP_GALLONS_USED_TODAY:  numProp(55),
			PROP_AVG_DAILY_USE:       numProp(80),
			PROP_TREATED_WATER_AVAIL: numProp(900),
			PROP_DAYS_SINCE_REGEN:    numProp(4),
			PROP_SALT_LEVEL_TENTHS:   numProp(85),
			PROP_OUT_OF_SALT_DAYS:    numProp(21),
			PROP_HARDNESS_GRAINS:     numProp(25),
			PROP_SHUTOFF_VALVE:       numProp(0),
		},
	}
}

func TestFuseRealtimeWinsForWaterFlow(t *testing.T) {
	device := testDevice()
	device.EnrichedData.WaterTreatment.GallonsUsedToday = intPtr(10)

	samples := Samples{
		PROP_CURRENT_WATER_FLOW: {Value: 1.0, ConvertedValue: 2.5},
	}

	data := fuse(samples, device, time.Now())

	assert.Equal(t, 2.5, data.CurrentWaterFlow, "realtime sample must win over enriched and raw")
	assert.Equal(t, 10, data.TodayUse, "enriched must win over raw")
}

func TestFuseAbsentRealtimeFallsThrough(t *testing.T) {
	device := testDevice()

	// no realtime sample, no enriched flow: raw converted value wins
	data := fuse(nil, device, time.Now())
	assert.Equal(t, 1.0, data.CurrentWaterFlow)

	// enriched flow present masks the raw value
	device.EnrichedData.WaterTreatment.CurrentWaterFlow = floatPtr(1.8)
	data = fuse(nil, device, time.Now())
	assert.Equal(t, 1.8, data.CurrentWaterFlow)
}

func TestFuseEnrichedOverRaw(t *testing.T) {
	device := testDevice()
	device.EnrichedData.WaterTreatment = WaterTreatment{
		GallonsUsedToday:      intPtr(12),
		TreatedWaterAvailable: intPtr(640),
		DaysSinceLastRecharge: intPtr(1),
		SaltLevelPercent:      intPtr(75),
		WaterShutoffValve:     &ValveStatus{Status: 1},
	}

	data := fuse(nil, device, time.Now())

	assert.Equal(t, 12, data.TodayUse)
	assert.Equal(t, 640, data.TotalWaterAvailable)
	assert.Equal(t, 1, data.DaysSinceLastRegeneration)
	assert.Equal(t, 75, data.SaltLevelPercent)
	assert.Equal(t, VALVE_CLOSED, data.WaterShutoffValveState)
}

func TestFuseRawFallbacks(t *testing.T) {
	data := fuse(nil, testDevice(), time.Now())

	assert.Equal(t, 55, data.TodayUse)
	assert.Equal(t, 900, data.TotalWaterAvailable)
	assert.Equal(t, 4, data.DaysSinceLastRegeneration)
	assert.Equal(t, VALVE_OPEN, data.WaterShutoffValveState)
	assert.Zero(t, data.SaltLevelPercent, "salt percent has no raw fallback")
}

func TestFuseUnitCoercion(t *testing.T) {
	data := fuse(nil, testDevice(), time.Now())

	assert.Equal(t, 8, data.SaltLevel, "salt tenths must be scaled before fusion")
	assert.Equal(t, VOLUME_UNIT_GALLONS, data.VolumeUnit)
	assert.Equal(t, 80, data.AverageDailyUse)
	assert.Equal(t, 21, data.OutOfSaltEstimatedDays)
	assert.Equal(t, 25, data.HardnessGrains)
}

func TestFuseScalarFields(t *testing.T) {
	now := time.Now()
	data := fuse(nil, testDevice(), now)

	assert.Equal(t, now, data.Timestamp)
	assert.Equal(t, "IQ700 (700)", data.Model)
	assert.Equal(t, STATE_ONLINE, data.State)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC), data.DeviceDateTime)
}

func TestFuseOfflineState(t *testing.T) {
	device := testDevice()
	device.Properties[PROP_SERVICE_ACTIVE] = Property{Value: BoolScalar(false)}

	data := fuse(nil, device, time.Now())
	assert.Equal(t, STATE_OFFLINE, data.State)
}

func TestFuseMissingDeviceDate(t *testing.T) {
	device := testDevice()
	delete(device.Properties, PROP_DEVICE_DATE)

	now := time.Now()
	data := fuse(nil, device, now)
	assert.Equal(t, now.UTC(), data.DeviceDateTime)
}

func TestFuseNumericModelID(t *testing.T) {
	device := testDevice()
	device.Properties[PROP_MODEL_ID] = numProp(700)

	data := fuse(nil, device, time.Now())
	assert.Equal(t, "IQ700 (700)", data.Model)
}

func TestFuseNeverBackfillsAcrossCalls(t *testing.T) {
	device := testDevice()
	device.EnrichedData.WaterTreatment.GallonsUsedToday = intPtr(12)

	first := fuse(nil, device, time.Now())
	assert.Equal(t, 12, first.TodayUse)

	// the next payload omits the enriched field; the raw value applies,
	// not the previous snapshot's
	device.EnrichedData.WaterTreatment.GallonsUsedToday = nil
	second := fuse(nil, device, time.Now())
	assert.Equal(t, 55, second.TodayUse)
}

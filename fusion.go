package iqua

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fuse merges the three data feeds into one snapshot. Per field a fixed
// priority chain applies, first present value wins:
//
//	current_water_flow:   realtime sample > enriched > raw converted value
//	today_use:            enriched > raw
//	total_water_available: enriched > raw
//	days_since_last_regen: enriched > raw
//	salt_level_percent:   enriched only
//	water_shutoff_valve:  enriched > raw
//	everything else:      raw property value
//
// The inputs are transient: an absent field stays absent for this fusion
// and is never backfilled from an earlier snapshot. Unit coercion (salt
// tenths, valve enum, volume unit) happens here, before a value enters the
// snapshot.
func fuse(samples Samples, device Device, now time.Time) SoftenerData {
	props := device.Properties
	enriched := device.EnrichedData.WaterTreatment

	data := SoftenerData{
		Timestamp:                 now,
		Model:                     modelOf(props),
		State:                     stateOf(props),
		DeviceDateTime:            deviceDate(props, now),
		CurrentWaterFlow:          fuseWaterFlow(samples, enriched, props),
		TodayUse:                  fuseInt(enriched.GallonsUsedToday, props, PROP_GALLONS_USED_TODAY),
		TotalWaterAvailable:       fuseInt(enriched.TreatedWaterAvailable, props, PROP_TREATED_WATER_AVAIL),
		DaysSinceLastRegeneration: fuseInt(enriched.DaysSinceLastRecharge, props, PROP_DAYS_SINCE_REGEN),
		AverageDailyUse:           intProp(props, PROP_AVG_DAILY_USE),
		OutOfSaltEstimatedDays:    intProp(props, PROP_OUT_OF_SALT_DAYS),
		HardnessGrains:            intProp(props, PROP_HARDNESS_GRAINS),
		SaltLevel:                 intProp(props, PROP_SALT_LEVEL_TENTHS) / 10,
		VolumeUnit:                VolumeUnit(intProp(props, PROP_VOLUME_UNIT)),
		WaterShutoffValveState:    fuseValveState(enriched, props),
	}

	if enriched.SaltLevelPercent != nil {
		data.SaltLevelPercent = *enriched.SaltLevelPercent
	}

	return data
}

func fuseWaterFlow(samples Samples, enriched WaterTreatment, props map[string]Property) float64 {
	if v, ok := samples[PROP_CURRENT_WATER_FLOW]; ok {
		return v.ConvertedValue
	}
	if enriched.CurrentWaterFlow != nil {
		return *enriched.CurrentWaterFlow
	}
	flow, _ := props[PROP_CURRENT_WATER_FLOW].ConvertedValue.Float64()
	return flow
}

func fuseInt(enriched *int, props map[string]Property, name string) int {
	if enriched != nil {
		return *enriched
	}
	return intProp(props, name)
}

func fuseValveState(enriched WaterTreatment, props map[string]Property) ValveState {
	if enriched.WaterShutoffValve != nil {
		return ValveState(enriched.WaterShutoffValve.Status)
	}
	return ValveState(intProp(props, PROP_SHUTOFF_VALVE))
}

func intProp(props map[string]Property, name string) int {
	v, _ := props[name].Value.Int()
	return v
}

func modelOf(props map[string]Property) string {
	desc, ok := props[PROP_MODEL_DESCRIPTION].Value.Text()
	if !ok {
		desc = "Unknown Model"
	}
	id, ok := props[PROP_MODEL_ID].Value.Text()
	if !ok {
		if n, ok := props[PROP_MODEL_ID].Value.Int(); ok {
			id = strconv.Itoa(n)
		} else {
			id = "N/A"
		}
	}
	return fmt.Sprintf("%s (%s)", desc, id)
}

func stateOf(props map[string]Property) SoftenerState {
	if active, ok := props[PROP_SERVICE_ACTIVE].Value.Bool(); ok && !active {
		return STATE_OFFLINE
	}
	return STATE_ONLINE
}

// deviceDate parses the device clock from its raw property, falling back to
// the wall clock when the property is absent or malformed.
func deviceDate(props map[string]Property, now time.Time) time.Time {
	raw, ok := props[PROP_DEVICE_DATE].Value.Text()
	if !ok {
		return now.UTC()
	}

	raw = strings.TrimSuffix(raw, "Z")
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t
		}
	}
	return now.UTC()
}

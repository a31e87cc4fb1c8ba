package iqua

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	API_URL_BASE      = "https://api.myiquaapp.com/v1"
	REALTIME_URL_BASE = "wss://realtime.myiquaapp.com/v1/stream"

	LOGIN_URL         = "/auth/login"
	REFRESH_URL       = "/auth/refresh"
	DEVICES_URL       = "/devices"
	DEVICE_DETAIL_URL = "/devices/%s/detail-or-summary"
	COMMAND_URL       = "/devices/%s/command"
)

const (
	FUNCTION_SHUTOFF_VALVE = "water_shutoff_valve"
	FUNCTION_REGENERATE    = "regenerate"

	ACTION_VALVE_OPEN        = "open"
	ACTION_VALVE_CLOSE       = "close"
	ACTION_REGEN_SCHEDULE    = "schedule"
	ACTION_REGEN_CANCEL      = "cancel"
	ACTION_REGEN_IMMEDIATELY = "regenerate"
)

// Raw property names as reported by the cloud API.
const (
	PROP_MODEL_DESCRIPTION   = "model_description"
	PROP_MODEL_ID            = "model_id"
	PROP_SERIAL_NUMBER       = "serial_number"
	PROP_SERVICE_ACTIVE      = "service_active"
	PROP_DEVICE_DATE         = "device_date"
	PROP_VOLUME_UNIT         = "volume_unit_enum"
	PROP_CURRENT_WATER_FLOW  = "current_water_flow_gpm"
	PROP_GALLONS_USED_TODAY  = "gallons_used_today"
	PROP_AVG_DAILY_USE       = "avg_daily_use_gals"
	PROP_TREATED_WATER_AVAIL = "treated_water_avail_gals"
	PROP_DAYS_SINCE_REGEN    = "days_since_last_regen"
	PROP_SALT_LEVEL_TENTHS   = "salt_level_tenths"
	PROP_OUT_OF_SALT_DAYS    = "out_of_salt_estimate_days"
	PROP_HARDNESS_GRAINS     = "hardness_grains"
	PROP_SHUTOFF_VALVE       = "water_shutoff_valve"
)

// CACHE_DURATION_DEVICES is how long the device list is cached (seconds).
// Device detail payloads are never cached, every snapshot is fused from a
// fresh fetch.
const CACHE_DURATION_DEVICES = 90

type CredentialsStruct struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	SerialNumber string `json:"serial_number,omitempty"`
}

type SoftenerState string

const (
	STATE_ONLINE  SoftenerState = "Online"
	STATE_OFFLINE SoftenerState = "Offline"
)

type VolumeUnit int

const (
	VOLUME_UNIT_GALLONS VolumeUnit = 0
	VOLUME_UNIT_LITERS  VolumeUnit = 1
)

func (u VolumeUnit) String() string {
	switch u {
	case VOLUME_UNIT_GALLONS:
		return "gallons"
	case VOLUME_UNIT_LITERS:
		return "liters"
	}
	return fmt.Sprintf("volume_unit(%d)", int(u))
}

type ValveState int

const (
	VALVE_OPEN   ValveState = 0
	VALVE_CLOSED ValveState = 1
)

func (v ValveState) String() string {
	switch v {
	case VALVE_OPEN:
		return "open"
	case VALVE_CLOSED:
		return "closed"
	}
	return fmt.Sprintf("valve(%d)", int(v))
}

// PropertyScalar holds one raw property value. The cloud API mixes numbers,
// strings and booleans in the same JSON field, so kind and presence are
// tracked explicitly instead of probing an untyped map.
type PropertyScalar struct {
	num     float64
	str     string
	boolean bool
	kind    scalarKind
}

type scalarKind int

const (
	scalarAbsent scalarKind = iota
	scalarNumber
	scalarString
	scalarBool
)

func (s *PropertyScalar) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = PropertyScalar{}
		return nil
	}
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		*s = PropertyScalar{num: num, kind: scalarNumber}
		return nil
	}
	var boolean bool
	if err := json.Unmarshal(b, &boolean); err == nil {
		*s = PropertyScalar{boolean: boolean, kind: scalarBool}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("unsupported property value %s", string(b))
	}
	*s = PropertyScalar{str: str, kind: scalarString}
	return nil
}

func (s PropertyScalar) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case scalarNumber:
		return json.Marshal(s.num)
	case scalarString:
		return json.Marshal(s.str)
	case scalarBool:
		return json.Marshal(s.boolean)
	}
	return []byte("null"), nil
}

func (s PropertyScalar) Present() bool {
	return s.kind != scalarAbsent
}

func (s PropertyScalar) Float64() (float64, bool) {
	return s.num, s.kind == scalarNumber
}

func (s PropertyScalar) Int() (int, bool) {
	return int(s.num), s.kind == scalarNumber
}

func (s PropertyScalar) Text() (string, bool) {
	return s.str, s.kind == scalarString
}

func (s PropertyScalar) Bool() (bool, bool) {
	return s.boolean, s.kind == scalarBool
}

// NumberScalar builds a numeric PropertyScalar. Mostly useful in tests and
// for externally fed stores.
func NumberScalar(v float64) PropertyScalar {
	return PropertyScalar{num: v, kind: scalarNumber}
}

// StringScalar builds a string PropertyScalar.
func StringScalar(v string) PropertyScalar {
	return PropertyScalar{str: v, kind: scalarString}
}

// BoolScalar builds a boolean PropertyScalar.
func BoolScalar(v bool) PropertyScalar {
	return PropertyScalar{boolean: v, kind: scalarBool}
}

// Property is one raw device property. Value carries the declared unit,
// ConvertedValue the unit the mobile app displays.
type Property struct {
	Value          PropertyScalar `json:"value"`
	ConvertedValue PropertyScalar `json:"converted_value"`
}

// Device is one entry of the device list, or the payload of a detail fetch.
// DSN is the network module serial, properties.serial_number the serial
// printed on the softener itself. Either identifies the device.
type Device struct {
	ID           string              `json:"id"`
	DSN          string              `json:"dsn"`
	Properties   map[string]Property `json:"properties"`
	EnrichedData EnrichedData        `json:"enriched_data"`
}

type devicesResponse struct {
	Data []Device `json:"data"`
}

type deviceDetailResponse struct {
	Device Device `json:"device"`
}

// EnrichedData is the server-side aggregated view of the device. It is
// fresher than the raw properties for some fields but not always complete.
type EnrichedData struct {
	WaterTreatment WaterTreatment `json:"water_treatment"`
}

type WaterTreatment struct {
	CurrentWaterFlow      *float64     `json:"current_water_flow"`
	GallonsUsedToday      *int         `json:"gallons_used_today"`
	TreatedWaterAvailable *int         `json:"treated_water_available"`
	DaysSinceLastRecharge *int         `json:"days_since_last_recharge"`
	SaltLevelPercent      *int         `json:"salt_level_percent"`
	WaterShutoffValve     *ValveStatus `json:"water_shutoff_valve"`
}

type ValveStatus struct {
	Status int `json:"status"`
}

type CommandResult struct {
	Function string `json:"function"`
	Action   string `json:"action"`
	Status   string `json:"status"`
}

type commandRequest struct {
	Function string `json:"function"`
	Action   string `json:"action"`
}

// RealtimeValue is the latest pushed sample for one property.
type RealtimeValue struct {
	Value          float64   `json:"value" mapstructure:"value"`
	ConvertedValue float64   `json:"converted_value" mapstructure:"converted_value"`
	Timestamp      time.Time `json:"-" mapstructure:"-"`
}

// Samples maps property names to their latest realtime value.
type Samples map[string]RealtimeValue

// SoftenerData is one fused, immutable view of the softener state. It is
// built fresh on every call and never updated in place.
type SoftenerData struct {
	Timestamp                 time.Time
	Model                     string
	State                     SoftenerState
	DeviceDateTime            time.Time
	VolumeUnit                VolumeUnit
	CurrentWaterFlow          float64
	TodayUse                  int
	AverageDailyUse           int
	TotalWaterAvailable       int
	DaysSinceLastRegeneration int
	SaltLevel                 int
	SaltLevelPercent          int
	OutOfSaltEstimatedDays    int
	HardnessGrains            int
	WaterShutoffValveState    ValveState
}

// FlowAndSalt is the reduced projection for lightweight polling.
type FlowAndSalt struct {
	FlowGPM     float64 `json:"flow_gpm"`
	SaltPercent int     `json:"salt_percent"`
}

type Logger interface {
	Printf(msg string, arg ...any)
}

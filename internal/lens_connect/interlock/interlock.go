package interlock

import (
	"fmt"

	"github.com/heartneyes/lenslink/internal/lens_connect/telemetry"
)

// Level is the interlock outcome, ordered by severity.
type Level int

const (
	Normal Level = iota
	Warn
	Throttle
	Suspend
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warn:
		return "warn"
	case Throttle:
		return "throttle"
	case Suspend:
		return "suspend"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText lets levels appear by name in JSON events.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	for lv := Normal; lv <= Suspend; lv++ {
		if lv.String() == string(b) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown interlock level %q", b)
}

// Thresholds configure the power and thermal policy. Battery levels trigger at
// or below the value, temperatures at or above.
type Thresholds struct {
	BatteryWarn     int     `mapstructure:"battery_warn"`
	BatteryThrottle int     `mapstructure:"battery_throttle"`
	BatterySuspend  int     `mapstructure:"battery_suspend"`
	ThermalWarn     float64 `mapstructure:"thermal_warn"`
	ThermalThrottle float64 `mapstructure:"thermal_throttle"`
	ThermalSuspend  float64 `mapstructure:"thermal_suspend"`
	ThrottleBitrate uint32  `mapstructure:"throttle_bitrate"`
}

// DefaultThresholds matches the lens hardware limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BatteryWarn:     15,
		BatteryThrottle: 10,
		BatterySuspend:  5,
		ThermalWarn:     39,
		ThermalThrottle: 41,
		ThermalSuspend:  43,
		ThrottleBitrate: 500000,
	}
}

// Decision is the result of one evaluation.
type Decision struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate applies th to a snapshot. Values the decoder flagged as suspect
// can raise the outcome to Warn but no further.
func Evaluate(s telemetry.Snapshot, th Thresholds) Decision {
	var d Decision

	battery := Normal
	switch {
	case s.BatteryPercent <= th.BatterySuspend:
		battery = Suspend
	case s.BatteryPercent <= th.BatteryThrottle:
		battery = Throttle
	case s.BatteryPercent <= th.BatteryWarn:
		battery = Warn
	}
	if battery > Warn && s.IsSuspect(telemetry.FieldBatteryLevel) {
		battery = Warn
	}
	if battery > Normal {
		d.Reasons = append(d.Reasons, fmt.Sprintf("battery %d%% (%s)", s.BatteryPercent, battery))
	}

	thermal := Normal
	switch {
	case s.TemperatureC >= th.ThermalSuspend:
		thermal = Suspend
	case s.TemperatureC >= th.ThermalThrottle:
		thermal = Throttle
	case s.TemperatureC >= th.ThermalWarn:
		thermal = Warn
	}
	if thermal > Warn && s.IsSuspect(telemetry.FieldTemperature) {
		thermal = Warn
	}
	if thermal > Normal {
		d.Reasons = append(d.Reasons, fmt.Sprintf("temperature %.1fC (%s)", s.TemperatureC, thermal))
	}

	d.Level = battery
	if thermal > d.Level {
		d.Level = thermal
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/heartneyes/lenslink/internal/lens_connect/interlock"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables, e.g. LENSLINK_LINK_COMMAND_TIMEOUT
	v.SetEnvPrefix("lenslink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("home", "LENSLINK_HOME")
	v.BindEnv("cloud.token", "LENSLINK_CLOUD_TOKEN", "LENSLINK_TOKEN")
	v.BindEnv("profile.path", "LENSLINK_PROFILE_PATH")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "lenslink"),
		"/etc/lenslink",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", filepath.Join(xdg.DataHome, "lenslink"))

	v.SetDefault("radio.address", []string{"127.0.0.1:28096"})
	v.SetDefault("radio.scan_timeout", 5*time.Second)
	v.SetDefault("radio.dial_timeout", 2*time.Second)
	v.SetDefault("radio.name_pattern", "HEARTNEYES")
	v.SetDefault("radio.service_uuid", "4fafc201-1fb5-459e-8fcc-c5c9c331914b")

	v.SetDefault("link.connect_timeout", 10*time.Second)
	v.SetDefault("link.command_timeout", 3*time.Second)
	v.SetDefault("link.reconnect_attempts", 5)
	v.SetDefault("link.backoff_base", time.Second)
	v.SetDefault("link.backoff_cap", 30*time.Second)
	v.SetDefault("link.backoff_jitter", 0.2)

	v.SetDefault("media.recording_queue", 64)
	v.SetDefault("media.streaming_queue", 16)
	v.SetDefault("media.recording_policy", "drop-newest")
	v.SetDefault("media.streaming_policy", "drop-oldest")
	v.SetDefault("media.max_frame_bytes", 16<<20)

	th := interlock.DefaultThresholds()
	v.SetDefault("interlock.battery_warn", th.BatteryWarn)
	v.SetDefault("interlock.battery_throttle", th.BatteryThrottle)
	v.SetDefault("interlock.battery_suspend", th.BatterySuspend)
	v.SetDefault("interlock.thermal_warn", th.ThermalWarn)
	v.SetDefault("interlock.thermal_throttle", th.ThermalThrottle)
	v.SetDefault("interlock.thermal_suspend", th.ThermalSuspend)
	v.SetDefault("interlock.throttle_bitrate", th.ThrottleBitrate)

	v.SetDefault("cloud.endpoint", "http://localhost:3000")
	v.SetDefault("cloud.token", "")
	v.SetDefault("cloud.user_id", "")

	v.SetDefault("server.port", 28095)
	v.SetDefault("recordings.dir", "")
	v.SetDefault("profile.path", "")
}

// GetHome returns the lenslink data directory
func GetHome() string {
	return v.GetString("home")
}

// GetProfilePath returns the device profile file path
func GetProfilePath() string {
	if profilePath := v.GetString("profile.path"); profilePath != "" {
		return profilePath
	}
	return filepath.Join(GetHome(), "profiles.toml")
}

// GetRecordingsDir returns where WebM recordings are written
func GetRecordingsDir() string {
	if dir := v.GetString("recordings.dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetHome(), "recordings")
}

// GetRadioAddresses returns the peripheral addresses probed by scan
func GetRadioAddresses() []string {
	return v.GetStringSlice("radio.address")
}

func GetScanTimeout() time.Duration { return v.GetDuration("radio.scan_timeout") }

func GetDialTimeout() time.Duration { return v.GetDuration("radio.dial_timeout") }

func GetNamePattern() string { return v.GetString("radio.name_pattern") }

func GetServiceUUID() string { return v.GetString("radio.service_uuid") }

// Link timing

func GetConnectTimeout() time.Duration { return v.GetDuration("link.connect_timeout") }

func GetCommandTimeout() time.Duration { return v.GetDuration("link.command_timeout") }

func GetReconnectAttempts() int { return v.GetInt("link.reconnect_attempts") }

func GetBackoffBase() time.Duration { return v.GetDuration("link.backoff_base") }

func GetBackoffCap() time.Duration { return v.GetDuration("link.backoff_cap") }

func GetBackoffJitter() float64 { return v.GetFloat64("link.backoff_jitter") }

// Media queues

func GetRecordingQueue() int { return v.GetInt("media.recording_queue") }

func GetStreamingQueue() int { return v.GetInt("media.streaming_queue") }

func GetRecordingPolicy() string { return v.GetString("media.recording_policy") }

func GetStreamingPolicy() string { return v.GetString("media.streaming_policy") }

func GetMaxFrameBytes() int { return v.GetInt("media.max_frame_bytes") }

// GetThresholds returns the safety interlock limits
func GetThresholds() interlock.Thresholds {
	th := interlock.DefaultThresholds()
	if err := v.UnmarshalKey("interlock", &th); err != nil {
		return interlock.DefaultThresholds()
	}
	return th
}

// GetCloudEndpoint returns the stream session service URL
func GetCloudEndpoint() string {
	return v.GetString("cloud.endpoint")
}

// GetCloudToken returns the bearer token for the stream session service
func GetCloudToken() string {
	return v.GetString("cloud.token")
}

func GetCloudUserID() string {
	return v.GetString("cloud.user_id")
}

// GetServerPort returns the control API port
func GetServerPort() int {
	return v.GetInt("server.port")
}

// Set overrides a key for this process, used by command line flags.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

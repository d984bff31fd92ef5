package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	DefaultServerURL      = "ws://localhost:8080"
	DefaultAPIURL         = "http://localhost:8080"
	DefaultPollInterval   = 150 * time.Millisecond
	DefaultRenderInterval = 30 * time.Millisecond
	DefaultWriteTimeout   = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultICEServer      = "stun:stun.l.google.com:19302"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("server.url", DefaultServerURL)
	v.SetDefault("api.url", DefaultAPIURL)
	v.SetDefault("telemetry.poll_interval", DefaultPollInterval)
	v.SetDefault("render.interval", DefaultRenderInterval)
	v.SetDefault("socket.write_timeout", DefaultWriteTimeout)
	v.SetDefault("socket.dial_timeout", DefaultDialTimeout)
	v.SetDefault("ice.servers", []string{DefaultICEServer})
	v.SetDefault("teleop.home", filepath.Join(xdg.Home, ".teleop"))
	// resolved against teleop.home when empty
	v.SetDefault("profile.path", "")

	v.AutomaticEnv()
	v.BindEnv("server.url", "TELEOP_SERVER_URL")
	v.BindEnv("api.url", "TELEOP_API_URL")
	v.BindEnv("telemetry.poll_interval", "TELEOP_POLL_INTERVAL")
	v.BindEnv("render.interval", "TELEOP_RENDER_INTERVAL")
	v.BindEnv("socket.write_timeout", "TELEOP_WRITE_TIMEOUT")
	v.BindEnv("socket.dial_timeout", "TELEOP_DIAL_TIMEOUT")
	v.BindEnv("ice.servers", "TELEOP_ICE_SERVERS")
	v.BindEnv("teleop.home", "TELEOP_HOME")
	v.BindEnv("profile.path", "TELEOP_PROFILE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.teleop",
		"/etc/teleop",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetServerURL returns the base URL of the session socket endpoint
func GetServerURL() string {
	return v.GetString("server.url")
}

// GetAPIURL returns the base URL of the HTTP API used for request control
func GetAPIURL() string {
	return v.GetString("api.url")
}

// GetPollInterval returns the telemetry push cadence requested at subscribe time
func GetPollInterval() time.Duration {
	return durationOr("telemetry.poll_interval", DefaultPollInterval)
}

func GetRenderInterval() time.Duration {
	return durationOr("render.interval", DefaultRenderInterval)
}

func GetWriteTimeout() time.Duration {
	return durationOr("socket.write_timeout", DefaultWriteTimeout)
}

func GetDialTimeout() time.Duration {
	return durationOr("socket.dial_timeout", DefaultDialTimeout)
}

// GetICEServers returns the static STUN/TURN list. The env var takes a comma separated list.
func GetICEServers() []string {
	servers := v.GetStringSlice("ice.servers")
	if len(servers) == 1 && strings.Contains(servers[0], ",") {
		servers = strings.Split(servers[0], ",")
	}
	return servers
}

// GetTeleopHome returns the teleop home directory
func GetTeleopHome() string {
	return v.GetString("teleop.home")
}

// GetProfilePath returns the profile file path
func GetProfilePath() string {
	if profilePath := v.GetString("profile.path"); profilePath != "" {
		return profilePath
	}
	return filepath.Join(GetTeleopHome(), "profiles.toml")
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}

// Package config loads transitd configuration from a JSON file with
// viper, layering file values over built-in defaults.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ConfigFileName is the config file viper looks for in the config dir.
const ConfigFileName = "transitd.cfg.json"

// Load reads configuration from the JSON config file in configDir and sets
// default values. A missing config file is not an error; the defaults apply.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.listen", ":5000")

	viper.SetDefault("data.file", "./data/vehicles.json")

	viper.SetDefault("sim.tickInterval", "2s")
	viper.SetDefault("sim.flushEveryTicks", 10)

	viper.SetDefault("routing.routeUrl", "https://router.project-osrm.org")
	viper.SetDefault("routing.geocodeUrl", "https://nominatim.openstreetmap.org")
	viper.SetDefault("routing.timeout", "15s")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "transitd")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", false)

	viper.SetDefault("history.enabled", false)
	viper.SetDefault("history.flushInterval", "10s")
	viper.SetDefault("history.sqlitePath", "./data/history.db")
	viper.SetDefault("history.db.host", "localhost")
	viper.SetDefault("history.db.port", "5432")
	viper.SetDefault("history.db.username", "postgres")
	viper.SetDefault("history.db.password", "postgres")
	viper.SetDefault("history.db.database", "transitapp")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "transitapp")
	viper.SetDefault("influx.bucket", "vehicle_telemetry")

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

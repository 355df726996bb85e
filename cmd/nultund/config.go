package main

import (
	"encoding/json"
	"os"
)

// Config holds nultund's tunable settings, overridable either by flag or
// by a JSON file supplied via -c.
type Config struct {
	Listen string `json:"listen"`
	Target string `json:"target"`

	TickPeriodMS int `json:"tickperiodms"`
	HighWater    int `json:"highwater"`
	LowWater     int `json:"lowwater"`

	MetricsLog    string `json:"metricslog"`
	MetricsPeriod int    `json:"metricsperiod"`

	Log   string `json:"log"`
	Quiet bool   `json:"quiet"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}

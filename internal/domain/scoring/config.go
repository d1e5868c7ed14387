package scoring

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/proxitrace/internal/domain/model"
)

const secondsPerMinute = 60

// Version selects the scoring algorithm.
type Version int

// Configuration versions.
const (
	V1 Version = 1
	V2 Version = 2
)

// ErrUnknownConfiguration is returned for an unsupported configuration version.
var ErrUnknownConfiguration = errors.New("unknown scoring configuration version")

// Configuration is the versioned scoring configuration fetched from the key
// server. The level-value arrays are passed through to the matching
// framework; scoring itself reads only the factors and thresholds.
type Configuration struct {
	Version Version `json:"version"`

	// v1
	FactorLow        float64 `json:"factorLow"`
	FactorHigh       float64 `json:"factorHigh"`
	TriggerThreshold int     `json:"triggerThreshold"`

	MinimumRiskScore                 int   `json:"minimumRiskScore"`
	AttenuationDurationThresholds    []int `json:"attenuationDurationThresholds"`
	AttenuationLevelValues           []int `json:"attenuationLevelValues"`
	DaysSinceLastExposureLevelValues []int `json:"daysSinceLastExposureLevelValues"`
	DurationLevelValues              []int `json:"durationLevelValues"`
	TransmissionRiskLevelValues      []int `json:"transmissionRiskLevelValues"`

	// v2
	MinimumScore int `json:"minimumScore"`
}

// DefaultConfiguration returns the configuration used when the server
// omits fields.
func DefaultConfiguration() Configuration {
	levels := []int{1, 2, 3, 4, 5, 6, 7, 8}
	return Configuration{
		Version:                          V1,
		FactorLow:                        1.0,
		FactorHigh:                       0.5,
		TriggerThreshold:                 15,
		MinimumRiskScore:                 0,
		AttenuationDurationThresholds:    []int{50, 70},
		AttenuationLevelValues:           levels,
		DaysSinceLastExposureLevelValues: levels,
		DurationLevelValues:              levels,
		TransmissionRiskLevelValues:      levels,
		MinimumScore:                     900,
	}
}

// DecodeConfiguration parses a configuration document over the defaults.
// A document without a version is treated as v1.
func DecodeConfiguration(data []byte) (Configuration, error) {
	cfg := DefaultConfiguration()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("%w: configuration: %w", model.ErrDecodingFailed, err)
	}
	if cfg.Version == 0 {
		cfg.Version = V1
	}
	if cfg.Version != V1 && cfg.Version != V2 {
		return Configuration{}, fmt.Errorf("%w: %w: %d", model.ErrDecodingFailed, ErrUnknownConfiguration, cfg.Version)
	}
	return cfg, nil
}

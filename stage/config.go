package stage

import (
	"encoding/json"
	"fmt"

	"github.com/njjetha/rpicam-apps/pkg/nn"
)

// Config holds the options common to every inference stage.
// It is parsed once in Read() and never modified afterwards.
type Config struct {
	// NumThreads is the inference backend thread count. -1 means use the
	// backend default.
	NumThreads int `json:"number_of_threads"`

	// RefreshRate launches an inference every Nth frame. 0 disables
	// inference entirely.
	RefreshRate int `json:"refresh_rate"`

	// ModelFile is the path to the model. Empty is a fatal configuration error.
	ModelFile string `json:"model_file"`

	// Verbose enables diagnostic logging (non-zero = on).
	Verbose int `json:"verbose"`

	// NormOffset/NormScale are applied to float32 model inputs as
	// (pixel - offset) / scale.
	NormOffset float32 `json:"normalisation_offset"`
	NormScale  float32 `json:"normalisation_scale"`
}

// DefaultConfig returns the stock option values.
func DefaultConfig() Config {
	return Config{
		NumThreads:  2,
		RefreshRate: 5,
		ModelFile:   "",
		Verbose:     0,
		NormOffset:  127.5,
		NormScale:   127.5,
	}
}

// ParseConfig unmarshals stage options over the defaults, so absent
// fields keep their stock values. Unknown fields are ignored; they
// belong to the model's ReadExtras hook.
func ParseConfig(params json.RawMessage) (Config, error) {
	cfg := DefaultConfig()
	if len(params) != 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing stage options: %v", nn.ErrConfiguration, err)
		}
	}
	if cfg.ModelFile == "" {
		return cfg, fmt.Errorf("%w: model_file is required", nn.ErrConfiguration)
	}
	return cfg, nil
}

// mediaforge/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin      string `mapstructure:"FF_BIN"`
	FFProbeBin string `mapstructure:"FFPROBE_BIN"`
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	// Admission control
	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	MemCeilingPct  float64       `mapstructure:"MEM_CEILING_PCT"`
	MinFreeDisk    int64         `mapstructure:"MIN_FREE_DISK"`
	SampleInterval time.Duration `mapstructure:"SAMPLE_INTERVAL"`

	// Per-stage wall clock budget: max(STAGE_TIMEOUT_FLOOR, STAGE_TIMEOUT_SCALE * sourceDuration)
	StageTimeoutFloor time.Duration `mapstructure:"STAGE_TIMEOUT_FLOOR"`
	StageTimeoutScale float64       `mapstructure:"STAGE_TIMEOUT_SCALE"`

	// Input limits
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxRemoteDuration time.Duration `mapstructure:"MAX_REMOTE_DURATION"`
	MaxLocalDuration  time.Duration `mapstructure:"MAX_LOCAL_DURATION"`

	// Retention and filesystem layout
	TaskRetention time.Duration `mapstructure:"TASK_RETENTION"`
	TempRoot      string        `mapstructure:"TEMP_ROOT"`
	ResultsRoot   string        `mapstructure:"RESULTS_ROOT"`

	// Cue timing bounds for plain-text subtitle conversion
	CueFloor   time.Duration `mapstructure:"CUE_FLOOR"`
	CueCeiling time.Duration `mapstructure:"CUE_CEILING"`

	// External transcriber command; receives the audio path as its last
	// argument and prints a JSON transcript on stdout.
	TranscriberCmd string `mapstructure:"TRANSCRIBER_CMD"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("PORT", "7878")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")

	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("MEM_CEILING_PCT", 80.0)
	vp.SetDefault("MIN_FREE_DISK", "2GB")
	vp.SetDefault("SAMPLE_INTERVAL", "5s")

	vp.SetDefault("STAGE_TIMEOUT_FLOOR", "5m")
	vp.SetDefault("STAGE_TIMEOUT_SCALE", 3.0)

	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("MAX_REMOTE_DURATION", "2h")
	vp.SetDefault("MAX_LOCAL_DURATION", "3h")

	vp.SetDefault("TASK_RETENTION", "1h")
	vp.SetDefault("TEMP_ROOT", "")
	vp.SetDefault("RESULTS_ROOT", "results")

	vp.SetDefault("CUE_FLOOR", "1s")
	vp.SetDefault("CUE_CEILING", "8s")

	vp.SetDefault("TRANSCRIBER_CMD", "")

	// Load from config file
	vp.SetConfigName("mediaforge_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediaforge/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("MEDIAFORGE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.TempRoot == "" {
		cfg.TempRoot = filepath.Join(os.TempDir(), "mediaforge")
	}
	for _, dir := range []string{cfg.TempRoot, cfg.ResultsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &cfg, nil
}

// StageTimeout returns the wall-clock budget for one pipeline stage working
// on media of the given duration.
func (c *Config) StageTimeout(sourceDuration time.Duration) time.Duration {
	scaled := time.Duration(float64(sourceDuration) * c.StageTimeoutScale)
	if scaled < c.StageTimeoutFloor {
		return c.StageTimeoutFloor
	}
	return scaled
}

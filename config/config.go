// Package config loads the application settings from defaults, an optional yaml file,
// TRAFFIC_ environment variables and command line flags, in increasing order of priority.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Prefix for environment variables, e.g. TRAFFIC_TRAIN_EPOCHS=20
const EnvPrefix = "TRAFFIC_"

// DataConfig defines the image data settings
type DataConfig struct {
	Dir        string  `koanf:"dir"`
	Cache      string  `koanf:"cache"`
	Width      int     `koanf:"width"`
	Height     int     `koanf:"height"`
	Categories int     `koanf:"categories"`
	TestSize   float64 `koanf:"testsize"`
}

// TrainConfig defines the training settings
type TrainConfig struct {
	Epochs     int    `koanf:"epochs"`
	Batch      int    `koanf:"batch"`
	Seed       int64  `koanf:"seed"`
	Threads    int    `koanf:"threads"`
	Model      string `koanf:"model"`
	Experiment string `koanf:"experiment"`
	Save       string `koanf:"save"`
	Profile    bool   `koanf:"profile"`
}

// WebConfig defines the dashboard settings, it is disabled if Addr is blank
type WebConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig defines the logger settings
type LogConfig struct {
	Level string `koanf:"level"`
	Debug bool   `koanf:"debug"`
}

// AppConfig defines the complete application config
type AppConfig struct {
	Data  DataConfig  `koanf:"data"`
	Train TrainConfig `koanf:"train"`
	Web   WebConfig   `koanf:"web"`
	Log   LogConfig   `koanf:"log"`
}

// Defaults for each config key
var Defaults = map[string]interface{}{
	"data.width":       30,
	"data.height":      30,
	"data.categories":  43,
	"data.testsize":    0.4,
	"train.epochs":     10,
	"train.batch":      32,
	"train.seed":       0,
	"train.threads":    0,
	"train.experiment": "final",
	"log.level":        "info",
}

// command line flag name to config key
var flagKeys = map[string]string{
	"cache":      "data.cache",
	"width":      "data.width",
	"height":     "data.height",
	"categories": "data.categories",
	"test-size":  "data.testsize",
	"epochs":     "train.epochs",
	"batch":      "train.batch",
	"seed":       "train.seed",
	"threads":    "train.threads",
	"model":      "train.model",
	"experiment": "train.experiment",
	"save":       "train.save",
	"profile":    "train.profile",
	"web.addr":   "web.addr",
	"log.level":  "log.level",
	"log.debug":  "log.debug",
}

// AddFlags registers the command line flags which override the config settings.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "yaml config file")
	fs.String("cache", "", "cache file for the resized images")
	fs.Int("width", 30, "image width in pixels")
	fs.Int("height", 30, "image height in pixels")
	fs.Int("categories", 43, "number of image categories, 0 to use all sub-directories")
	fs.Float64("test-size", 0.4, "fraction of images used for testing")
	fs.Int("epochs", 10, "number of training epochs")
	fs.Int("batch", 32, "training batch size")
	fs.Int64("seed", 0, "random number seed, 0 for a random seed")
	fs.Int("threads", 0, "number of worker threads, 0 for one per CPU")
	fs.String("model", "", "network config file in json format, default is the final model")
	fs.String("experiment", "final", "name of the experiment network to use if no model file is given")
	fs.Bool("profile", false, "print profile of kernel execution times")
	fs.String("web.addr", "", "address to serve training dashboard, e.g. :8080")
	fs.String("log.level", "info", "log level: debug, info, warn or error")
	fs.Bool("log.debug", false, "use development logger")
}

// Load reads the config. If path is blank and the flag set has a config flag then this is used
// as the file name. An explicitly given file must exist.
func Load(path string, fs *pflag.FlagSet) (AppConfig, error) {
	var cfg AppConfig
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults, "."), nil); err != nil {
		return cfg, errors.Wrap(err, "error loading defaults")
	}
	if path == "" && fs != nil {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, errors.Wrapf(err, "error loading config file %s", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return cfg, errors.Wrap(err, "error loading environment")
	}
	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagKey(fs)), nil); err != nil {
			return cfg, errors.Wrap(err, "error loading flags")
		}
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "error decoding config")
	}
	return cfg, cfg.Validate()
}

// Validate checks the config values are in range
func (c AppConfig) Validate() error {
	switch {
	case c.Data.Width <= 0 || c.Data.Height <= 0:
		return errors.Errorf("invalid image size %dx%d", c.Data.Width, c.Data.Height)
	case c.Data.Categories < 0:
		return errors.Errorf("invalid number of categories %d", c.Data.Categories)
	case c.Data.TestSize <= 0 || c.Data.TestSize >= 1:
		return errors.Errorf("test size %g should be between 0 and 1", c.Data.TestSize)
	case c.Train.Epochs < 1:
		return errors.Errorf("invalid number of epochs %d", c.Train.Epochs)
	case c.Train.Batch < 1:
		return errors.Errorf("invalid batch size %d", c.Train.Batch)
	}
	return nil
}

// TRAFFIC_TRAIN_EPOCHS -> train.epochs
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

func flagKey(fs *pflag.FlagSet) func(f *pflag.Flag) (string, interface{}) {
	return func(f *pflag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	}
}

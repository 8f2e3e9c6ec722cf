package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Directory used by LoadConfig and Save for relative file names.
var DataDir = ""

var (
	Optimizers = []string{"adam", "sgd"}
	Losses     = []string{"categorical_crossentropy", "mean_squared_error"}
	Metrics    = []string{"accuracy"}
)

// Training configuration settings
type Config struct {
	DataSet    string
	Optimizer  string
	Loss       string
	Metrics    []string
	WeightInit string
	Eta        float64
	Lambda     float64
	Shuffle    bool
	TrainBatch int
	TestBatch  int
	MaxEpoch   int
	MaxSamples int
	LogEvery   int
	StopAfter  int
	MinLoss    float64
	RandSeed   int64
	Threads    int
	DebugLevel int
	Profile    bool
	Layers     []LayerConfig
}

// Load network from json file
func LoadConfig(name string) (c Config, err error) {
	f, err := os.Open(filePath(name))
	if err != nil {
		return c, errors.WithStack(err)
	}
	defer f.Close()
	zap.S().Infow("loading network config", "file", name)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "error decoding %s", name)
	}
	return c, nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	layerList := append([]LayerConfig{}, c.Layers...)
	for _, l := range layers {
		layerList = append(layerList, l.Marshal())
	}
	c.Layers = layerList
	return c
}

// Compile sets the optimizer, loss function and metrics used for training.
// Supported optimizers are adam and sgd, losses are categorical_crossentropy and mean_squared_error
// and the only metric is accuracy.
func (c Config) Compile(optimizer, loss string, metrics ...string) (Config, error) {
	if !contains(Optimizers, optimizer) {
		return c, errors.Errorf("unknown optimizer %q", optimizer)
	}
	if !contains(Losses, loss) {
		return c, errors.Errorf("unknown loss function %q", loss)
	}
	for _, m := range metrics {
		if !contains(Metrics, m) {
			return c, errors.Errorf("unknown metric %q", m)
		}
	}
	c.Optimizer = optimizer
	c.Loss = loss
	c.Metrics = append([]string{}, metrics...)
	return c, nil
}

func (c Config) validate() error {
	if c.Optimizer == "" || c.Loss == "" {
		return errors.New("model must be compiled with an optimizer and loss function")
	}
	if !contains(Optimizers, c.Optimizer) {
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.Eta < 0 {
		return errors.Errorf("invalid learning rate %g", c.Eta)
	}
	if !contains(Losses, c.Loss) {
		return errors.Errorf("unknown loss function %q", c.Loss)
	}
	for _, m := range c.Metrics {
		if !contains(Metrics, m) {
			return errors.Errorf("unknown metric %q", m)
		}
	}
	if len(c.Layers) == 0 {
		return errors.New("no layers defined")
	}
	return nil
}

// Save default network definition and overwites current config
func (c Config) SaveDefault(name string) error {
	err := c.Save(name + ".default")
	if err != nil {
		return err
	}
	return c.Save(name + ".net")
}

// Save config to JSON file. The file is written to a temporary name and then renamed.
func (c Config) Save(name string) error {
	target := filePath(name)
	tmp := filepath.Join(filepath.Dir(target), "."+filepath.Base(target))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.WithStack(err)
	}
	zap.S().Infow("saving network config", "file", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding %s", name)
	}
	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, target))
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// SetString parses val and sets the numeric or string config field with the given name.
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("invalid config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.WithStack(err)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid field for SetBool: %q", key)
}

func filePath(name string) string {
	if DataDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(DataDir, name)
}

func contains(list []string, val string) bool {
	for _, s := range list {
		if s == val {
			return true
		}
	}
	return false
}

// Package traffic defines the traffic sign classifier network and the sequence of tuning experiments used to arrive at it.
package traffic

import (
	"math/rand"
	"path/filepath"

	"github.com/jnb666/trafficnet/img"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Default settings for the German traffic sign data set
const (
	Epochs        = 10
	ImgWidth      = 30
	ImgHeight     = 30
	NumCategories = 43
	TestSize      = 0.4
)

// Names of the sign categories in the German traffic sign recognition benchmark.
var SignNames = []string{
	"Speed limit (20km/h)",
	"Speed limit (30km/h)",
	"Speed limit (50km/h)",
	"Speed limit (60km/h)",
	"Speed limit (70km/h)",
	"Speed limit (80km/h)",
	"End of speed limit (80km/h)",
	"Speed limit (100km/h)",
	"Speed limit (120km/h)",
	"No passing",
	"No passing for vehicles over 3.5 metric tons",
	"Right-of-way at the next intersection",
	"Priority road",
	"Yield",
	"Stop",
	"No vehicles",
	"Vehicles over 3.5 metric tons prohibited",
	"No entry",
	"General caution",
	"Dangerous curve to the left",
	"Dangerous curve to the right",
	"Double curve",
	"Bumpy road",
	"Slippery road",
	"Road narrows on the right",
	"Road work",
	"Traffic signals",
	"Pedestrians",
	"Children crossing",
	"Bicycles crossing",
	"Beware of ice/snow",
	"Wild animals crossing",
	"End of all speed and passing limits",
	"Turn right ahead",
	"Turn left ahead",
	"Ahead only",
	"Go straight or right",
	"Go straight or left",
	"Keep right",
	"Keep left",
	"Roundabout mandatory",
	"End of no passing",
	"End of no passing by vehicles over 3.5 metric tons",
}

// Options for loading the image data
type Options struct {
	Width      int
	Height     int
	Categories int
	TestSize   float64
	Cache      string
}

// DefaultOptions returns the standard image size, category count and test split.
func DefaultOptions() Options {
	return Options{Width: ImgWidth, Height: ImgHeight, Categories: NumCategories, TestSize: TestSize}
}

// LoadData reads the images from dir and splits them into shuffled training and test sets.
// If opts.Cache is set then the resized images are read from this file if it exists, otherwise
// they are loaded from dir and then saved to the cache file.
func LoadData(dir string, opts Options, rng *rand.Rand) (train, test *img.Data, err error) {
	var data *img.Data
	if opts.Cache != "" {
		if data, err = img.LoadDataFile(opts.Cache); err != nil {
			zap.S().Debugw("cache not loaded", "file", opts.Cache, "error", err)
			data = nil
		} else if !sameShape(data, opts) {
			zap.S().Warnw("ignoring cache with different image size", "file", opts.Cache, "shape", data.Shape())
			data = nil
		}
	}
	if data == nil {
		if data, err = img.LoadDir(dir, opts.Width, opts.Height, opts.Categories); err != nil {
			return nil, nil, errors.Wrapf(err, "error loading images from %s", filepath.Clean(dir))
		}
		if len(data.Class) == len(SignNames) {
			data.Class = append([]string{}, SignNames...)
		}
		if opts.Cache != "" {
			if err = img.SaveDataFile(data, opts.Cache); err != nil {
				return nil, nil, err
			}
		}
	}
	if data.Len() == 0 {
		return nil, nil, errors.Errorf("no images found in %s", dir)
	}
	train, test = data.Split(opts.TestSize, rng)
	zap.S().Infow("split data", "train", train.Len(), "test", test.Len())
	return train, test, nil
}

func sameShape(d *img.Data, opts Options) bool {
	shape := d.Shape()
	if len(shape) != 3 || shape[0] != 3 || shape[1] != opts.Height || shape[2] != opts.Width {
		return false
	}
	return opts.Categories <= 0 || len(d.Classes()) == opts.Categories
}

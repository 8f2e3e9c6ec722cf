package traffic

import (
	"github.com/jnb666/trafficnet/nnet"
)

// Base config with the training settings used for every experiment
func baseConfig() nnet.Config {
	return nnet.Config{
		DataSet:    "traffic",
		WeightInit: "glorot",
		TrainBatch: nnet.DefaultBatch,
		TestBatch:  nnet.DefaultBatch,
		MaxEpoch:   Epochs,
		LogEvery:   1,
		Shuffle:    true,
	}
}

func compile(c nnet.Config) nnet.Config {
	c, err := c.Compile("adam", "categorical_crossentropy", "accuracy")
	if err != nil {
		panic(err)
	}
	return c
}

// GetModel returns the compiled network config for the final model. The input shape is
// [3, height, width] and there is one softmax output unit per category.
func GetModel(width, height, categories int) nnet.Config {
	return compile(baseConfig().AddLayers(
		nnet.Conv{Nfeats: 32, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Conv{Nfeats: 64, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 128},
		nnet.Activation{Atype: "relu"},
		nnet.Dropout{Ratio: 0.2},
		nnet.Linear{Nout: categories},
		nnet.Activation{Atype: "softmax"},
	))
}

// InputShape returns the shape of a single input image.
func InputShape(width, height int) []int {
	return []int{3, height, width}
}

// Experiment is one of the trial network configurations. If Reported is set then Loss and Accuracy
// are the results which were recorded for the trial on the full data set.
type Experiment struct {
	Name        string
	Description string
	Reported    bool
	Loss        float64
	Accuracy    float64
	Model       func(width, height, categories int) nnet.Config
}

// Experiments lists the trials in the order in which they were run.
var Experiments = []Experiment{
	{
		Name:        "single-conv",
		Description: "one 32 filter 3x3 convolution and 2x2 max pooling",
		Reported:    true,
		Accuracy:    0.05,
		Model: func(width, height, categories int) nnet.Config {
			return compile(baseConfig().AddLayers(
				nnet.Conv{Nfeats: 32, Size: 3},
				nnet.Activation{Atype: "relu"},
				nnet.MaxPool{Size: 2},
				nnet.Flatten{},
				nnet.Linear{Nout: 128},
				nnet.Activation{Atype: "relu"},
				nnet.Dropout{Ratio: 0.2},
				nnet.Linear{Nout: categories},
				nnet.Activation{Atype: "softmax"},
			))
		},
	},
	{
		Name:        "high-dropout",
		Description: "two convolution and pooling blocks with dropout of 0.5",
		Model: func(width, height, categories int) nnet.Config {
			return withDropout(GetModel(width, height, categories), 0.5)
		},
	},
	{
		Name:        "large-filters",
		Description: "two convolution and pooling blocks with 5x5 filters",
		Model: func(width, height, categories int) nnet.Config {
			return compile(baseConfig().AddLayers(
				nnet.Conv{Nfeats: 32, Size: 5},
				nnet.Activation{Atype: "relu"},
				nnet.MaxPool{Size: 2},
				nnet.Conv{Nfeats: 64, Size: 5},
				nnet.Activation{Atype: "relu"},
				nnet.MaxPool{Size: 2},
				nnet.Flatten{},
				nnet.Linear{Nout: 128},
				nnet.Activation{Atype: "relu"},
				nnet.Dropout{Ratio: 0.2},
				nnet.Linear{Nout: categories},
				nnet.Activation{Atype: "softmax"},
			))
		},
	},
	{
		Name:        "sigmoid-hidden",
		Description: "final network with a sigmoid activation on the hidden dense layer",
		Model: func(width, height, categories int) nnet.Config {
			c := GetModel(width, height, categories)
			c.Layers = append([]nnet.LayerConfig{}, c.Layers...)
			c.Layers[8] = nnet.Activation{Atype: "sigmoid"}.Marshal()
			return c
		},
	},
	{
		Name:        "final",
		Description: "two 3x3 convolution and pooling blocks, dense 128 with dropout of 0.2",
		Reported:    true,
		Accuracy:    0.96,
		Loss:        0.17,
		Model:       GetModel,
	},
}

// FindExperiment returns the experiment with the given name.
func FindExperiment(name string) (Experiment, bool) {
	for _, e := range Experiments {
		if e.Name == name {
			return e, true
		}
	}
	return Experiment{}, false
}

func withDropout(c nnet.Config, ratio float64) nnet.Config {
	c.Layers = append([]nnet.LayerConfig{}, c.Layers...)
	for i, l := range c.Layers {
		if l.Type == "dropout" {
			c.Layers[i] = nnet.Dropout{Ratio: ratio}.Marshal()
		}
	}
	return c
}

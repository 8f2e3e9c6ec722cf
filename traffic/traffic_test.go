package traffic

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jnb666/trafficnet/nnet"
	"github.com/jnb666/trafficnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentOrder(t *testing.T) {
	var names []string
	for _, e := range Experiments {
		names = append(names, e.Name)
	}
	assert.Equal(t, "single-conv", names[0])
	assert.Equal(t, "final", names[len(names)-1])
	final, ok := FindExperiment("final")
	require.True(t, ok)
	assert.True(t, final.Reported)
	assert.Equal(t, 0.96, final.Accuracy)
	assert.Equal(t, 0.17, final.Loss)
	single, _ := FindExperiment("single-conv")
	assert.Equal(t, 0.05, single.Accuracy)
	_, ok = FindExperiment("none")
	assert.False(t, ok)
}

// the first trial is the final network without the second convolution and pooling block
func TestSingleConvDiff(t *testing.T) {
	final := GetModel(ImgWidth, ImgHeight, NumCategories)
	exp, _ := FindExperiment("single-conv")
	single := exp.Model(ImgWidth, ImgHeight, NumCategories)
	require.Len(t, final.Layers, 12)
	assert.Equal(t, "conv", final.Layers[3].Type)
	assert.Equal(t, "activation", final.Layers[4].Type)
	assert.Equal(t, "maxPool", final.Layers[5].Type)
	var removed []nnet.LayerConfig
	removed = append(removed, final.Layers[:3]...)
	removed = append(removed, final.Layers[6:]...)
	assert.Equal(t, removed, single.Layers)
	assert.Equal(t, final.Optimizer, single.Optimizer)
	assert.Equal(t, final.Loss, single.Loss)
}

func TestCompiled(t *testing.T) {
	for _, e := range Experiments {
		c := e.Model(ImgWidth, ImgHeight, NumCategories)
		assert.Equal(t, "adam", c.Optimizer, e.Name)
		assert.Equal(t, "categorical_crossentropy", c.Loss, e.Name)
		assert.Equal(t, []string{"accuracy"}, c.Metrics, e.Name)
		last := c.Layers[len(c.Layers)-1]
		assert.Equal(t, "activation", last.Type, e.Name)
	}
	// experiments must not share layer slices
	sig, _ := FindExperiment("sigmoid-hidden")
	sig.Model(ImgWidth, ImgHeight, NumCategories)
	assert.Equal(t, GetModel(ImgWidth, ImgHeight, NumCategories).Layers[8], nnet.Activation{Atype: "relu"}.Marshal())
}

func TestGetModelShape(t *testing.T) {
	const batch = 4
	q := num.NewCPUDevice().NewQueue(2)
	defer q.Shutdown()
	rng := rand.New(rand.NewSource(42))
	for _, e := range Experiments {
		net, err := nnet.New(q, e.Model(ImgWidth, ImgHeight, NumCategories), batch, InputShape(ImgWidth, ImgHeight), rng)
		require.NoError(t, err, e.Name)
		assert.Equal(t, []int{batch, NumCategories}, net.OutShape(), e.Name)
		net.InitWeights()

		input := q.NewArray(num.Float32, batch, 3, ImgHeight, ImgWidth)
		data := make([]float32, input.Size())
		for i := range data {
			data[i] = rng.Float32()
		}
		classes := q.NewArray(num.Int32, batch)
		q.Call(num.Write(input, data))
		yPred := net.Predict(input, classes)
		out := make([]float32, yPred.Size())
		q.Call(num.Read(yPred, out)).Finish()
		for row := 0; row < batch; row++ {
			var sum float64
			for _, v := range out[row*NumCategories : (row+1)*NumCategories] {
				assert.True(t, v >= 0)
				sum += float64(v)
			}
			assert.InDelta(t, 1, sum, 1e-4, e.Name)
		}
		input.Release()
		classes.Release()
		net.Release()
	}
}

func writeImages(t *testing.T, dir string, categories, perClass int) {
	for k := 0; k < categories; k++ {
		catDir := filepath.Join(dir, strconv.Itoa(k))
		require.NoError(t, os.MkdirAll(catDir, 0755))
		for i := 0; i < perClass; i++ {
			m := image.NewRGBA(image.Rect(0, 0, 20+i, 25))
			for y := 0; y < 25; y++ {
				for x := 0; x < 20+i; x++ {
					m.Set(x, y, color.RGBA{B: uint8(100 * k), A: 255})
				}
			}
			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, m))
			name := filepath.Join(catDir, "img"+strconv.Itoa(i)+".png")
			require.NoError(t, os.WriteFile(name, buf.Bytes(), 0644))
		}
	}
}

func TestLoadData(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, filepath.Join(dir, "signs"), 2, 5)
	opts := Options{Width: 8, Height: 8, Categories: 2, TestSize: 0.4, Cache: filepath.Join(dir, "cache.dat")}

	train, test, err := LoadData(filepath.Join(dir, "signs"), opts, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 6, train.Len())
	assert.Equal(t, 4, test.Len())
	assert.Equal(t, []int{3, 8, 8}, train.Shape())
	assert.FileExists(t, opts.Cache)

	// second load is read from the cache
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "signs")))
	train2, test2, err := LoadData(filepath.Join(dir, "signs"), opts, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, train.Labels, train2.Labels)
	assert.Equal(t, test.Labels, test2.Labels)

	// cache with a different image size is ignored
	opts.Width = 10
	_, _, err = LoadData(filepath.Join(dir, "signs"), opts, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestLoadDataEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0"), 0755))
	_, _, err := LoadData(dir, Options{Width: 8, Height: 8, Categories: 1, TestSize: 0.4}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestSignNames(t *testing.T) {
	assert.Len(t, SignNames, NumCategories)
	opts := DefaultOptions()
	assert.Equal(t, ImgWidth, opts.Width)
	assert.Equal(t, NumCategories, opts.Categories)
	assert.Equal(t, []int{3, ImgHeight, ImgWidth}, InputShape(ImgWidth, ImgHeight))
}

package nnet

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/jnb666/trafficnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	batch = 5
	nIn   = 6
	nOut  = 4
)

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func compile(t *testing.T, conf Config, opt, loss string) Config {
	conf, err := conf.Compile(opt, loss, "accuracy")
	require.NoError(t, err)
	return conf
}

func TestCompile(t *testing.T) {
	conf := Config{}.AddLayers(Flatten{}, Linear{Nout: 2}, Activation{Atype: "softmax"})
	_, err := conf.Compile("rmsprop", "categorical_crossentropy", "accuracy")
	assert.Error(t, err)
	_, err = conf.Compile("adam", "hinge", "accuracy")
	assert.Error(t, err)
	_, err = conf.Compile("adam", "categorical_crossentropy", "auc")
	assert.Error(t, err)
	conf, err = conf.Compile("adam", "categorical_crossentropy", "accuracy")
	require.NoError(t, err)
	assert.Equal(t, "adam", conf.Optimizer)
	assert.Equal(t, []string{"accuracy"}, conf.Metrics)
	assert.Len(t, conf.Layers, 3)
}

func TestAddLayersCopy(t *testing.T) {
	base := Config{}.AddLayers(Flatten{})
	c1 := base.AddLayers(Linear{Nout: 1})
	c2 := base.AddLayers(Linear{Nout: 2})
	assert.Len(t, base.Layers, 1)
	assert.Equal(t, "linear {Nout:1}", c1.Layers[1].String())
	assert.Equal(t, "linear {Nout:2}", c2.Layers[1].String())
}

func TestConfigSaveLoad(t *testing.T) {
	conf := compile(t, Config{MaxEpoch: 3, Eta: 0.5}.AddLayers(
		Conv{Nfeats: 4, Size: 3},
		MaxPool{Size: 2},
		Dropout{Ratio: 0.25},
	), "sgd", "mean_squared_error")
	file := filepath.Join(t.TempDir(), "test.net")
	require.NoError(t, conf.Save(file))
	conf2, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, conf.String(), conf2.String())
	assert.Equal(t, conf.Metrics, conf2.Metrics)
	assert.Equal(t, "conv {Nfeats:4 Size:3 Stride:1 Pad:0}", conf2.Layers[0].String())
	assert.Equal(t, "maxPool {Size:2 Stride:2}", conf2.Layers[1].String())

	conf3, err := conf2.SetString("TrainBatch", "64")
	require.NoError(t, err)
	assert.Equal(t, 64, conf3.TrainBatch)
	_, err = conf2.SetString("Nonsense", "1")
	assert.Error(t, err)
	conf3, err = conf3.SetBool("Shuffle", true)
	require.NoError(t, err)
	assert.True(t, conf3.Shuffle)
}

func TestNewErrors(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	rng := rand.New(rand.NewSource(1))
	tests := []Config{
		{},
		Config{}.AddLayers(Linear{Nout: 3}),
		Config{}.AddLayers(Conv{Nfeats: 2, Size: 9}),
		Config{}.AddLayers(MaxPool{Size: 2}, MaxPool{Size: 4}),
		Config{}.AddLayers(Activation{Atype: "softmax"}),
		Config{}.AddLayers(Activation{Atype: "swish"}),
		Config{Layers: []LayerConfig{{Type: "lstm"}}},
		Config{Optimizer: "adagrad"}.AddLayers(Flatten{}),
		Config{}.AddLayers(Conv{Nfeats: 2, Size: 3}),
	}
	for i, conf := range tests {
		if conf.Optimizer == "" {
			conf.Optimizer = "adam"
		}
		conf.Loss = "categorical_crossentropy"
		_, err := New(q, conf, 4, []int{3, 6, 6}, rng)
		assert.Error(t, err, "test %d", i)
		t.Log(err)
	}
}

func TestNewUncompiled(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(1)
	rng := rand.New(rand.NewSource(1))
	conf := Config{}.AddLayers(Flatten{}, Linear{Nout: 2}, Activation{Atype: "softmax"})
	_, err := New(q, conf, 4, []int{1, 4, 4}, rng)
	assert.ErrorContains(t, err, "must be compiled")

	conf.Eta = -0.1
	_, err = New(q, compile(t, conf, "sgd", "categorical_crossentropy"), 4, []int{1, 4, 4}, rng)
	assert.Error(t, err)

	conf.Eta = 0
	net, err := New(q, compile(t, conf, "sgd", "categorical_crossentropy"), 4, []int{1, 4, 4}, rng)
	require.NoError(t, err)
	assert.Equal(t, float32(SGDLearningRate), net.opt.(*sgd).eta)
	net.Release()
}

// sgd with no learning rate set must still update the weights
func TestSGDDefaultRate(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	q := num.NewCPUDevice().NewQueue(1)
	conf := compile(t, Config{TrainBatch: 5}.AddLayers(
		Flatten{}, Linear{Nout: 2}, Activation{Atype: "softmax"},
	), "sgd", "categorical_crossentropy")
	train := syntheticData(rng, 20)
	net, err := New(q, conf, conf.TrainBatch, train.Shape(), rng)
	require.NoError(t, err)
	net.InitWeights()
	W, _ := net.Layers[1].(ParamLayer).Params()
	before := make([]float32, W.Size())
	q.Call(num.Read(W, before)).Finish()
	dset := NewDataset(q.Dev(), train, conf.TrainBatch, 0, rng)
	defer dset.Release()
	TrainEpoch(net, dset)
	after := make([]float32, W.Size())
	q.Call(num.Read(W, after)).Finish()
	assert.NotEqual(t, before, after)
}

func convNet(t *testing.T, q num.Queue, classes, batchSize int) *Network {
	conf := compile(t, Config{}.AddLayers(
		Conv{Nfeats: 4, Size: 3},
		Activation{Atype: "relu"},
		MaxPool{Size: 2},
		Flatten{},
		Linear{Nout: 8},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.2},
		Linear{Nout: classes},
		Activation{Atype: "softmax"},
	), "adam", "categorical_crossentropy")
	net, err := New(q, conf, batchSize, []int{3, 10, 10}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	net.InitWeights()
	return net
}

func TestOutputProbabilities(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(2)
	net := convNet(t, q, 5, batch)
	assert.Equal(t, []int{batch, 5}, net.OutShape())
	rng := rand.New(rand.NewSource(1))
	input := q.NewArray(num.Float32, batch, 3, 10, 10)
	classes := q.NewArray(num.Int32, batch)
	q.Call(num.Write(input, randArray(rng, input.Size(), 0, 1)))
	yPred := net.Predict(input, classes)
	out := make([]float32, yPred.Size())
	q.Call(num.Read(yPred, out)).Finish()
	require.Equal(t, []int{batch, 5}, yPred.Dims())
	for row := 0; row < batch; row++ {
		var sum float64
		for _, v := range out[row*5 : (row+1)*5] {
			assert.True(t, v >= 0)
			sum += float64(v)
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	// no dropout in predict mode so output is repeatable
	out2 := make([]float32, yPred.Size())
	q.Call(num.Read(net.Fprop(input, false), out2)).Finish()
	assert.Equal(t, out, out2)
}

// mean loss over the batch for the current weights
func batchLoss(net *Network, x, y1H num.Array, rows int) float64 {
	q := net.queue
	yPred := net.Fprop(x, false)
	q.Call(net.loss(y1H, yPred, rows))
	losses := make([]float32, rows)
	q.Call(num.Read(net.losses.Slice(0, rows), losses)).Finish()
	var sum float64
	for _, v := range losses {
		sum += float64(v)
	}
	return sum / float64(rows)
}

// Evaluate over many batches should match the loss and accuracy computed one batch at a time
// with the queue flushed after each batch.
func TestEvaluateBatches(t *testing.T) {
	const samples, batchSize, classes = 64, 4, 3
	q := num.NewCPUDevice().NewQueue(2)
	net := convNet(t, q, classes, batchSize)
	defer net.Release()
	rng := rand.New(rand.NewSource(9))
	labels := make([]int32, samples)
	for i := range labels {
		labels[i] = int32(rng.Intn(classes))
	}
	data := NewData(classes, []int{3, 10, 10}, labels, randArray(rng, samples*300, 0, 1))

	x := q.NewArray(num.Float32, batchSize, 3, 10, 10)
	y := q.NewArray(num.Int32, batchSize)
	y1H := q.NewArray(num.Float32, batchSize, classes)
	classOut := q.NewArray(num.Int32, batchSize)
	defer num.Release(x, y, y1H, classOut)
	var sumLoss float64
	correct := 0
	buf := make([]float32, batchSize*300)
	pred := make([]int32, batchSize)
	for start := 0; start < samples; start += batchSize {
		index := make([]int, batchSize)
		for i := range index {
			index[i] = start + i
		}
		data.Input(index, buf)
		q.Call(
			num.Write(x, buf),
			num.Write(y, labels[start:start+batchSize]),
			num.Onehot(y, y1H, classes),
		)
		sumLoss += batchLoss(net, x, y1H, batchSize) * batchSize
		net.Predict(x, classOut)
		q.Call(num.Read(classOut, pred)).Finish()
		for i, p := range pred {
			if p == labels[start+i] {
				correct++
			}
		}
	}

	dset := NewDataset(q.Dev(), data, batchSize, 0, rng)
	defer dset.Release()
	loss, acc := net.Evaluate(dset)
	assert.InDelta(t, sumLoss/samples, loss, 1e-4)
	assert.InDelta(t, float64(correct)/samples, acc, 1e-6)

	classified := net.Classify(dset)
	require.Len(t, classified, samples)
	matches := 0
	for i, p := range classified {
		if p == labels[i] {
			matches++
		}
	}
	assert.Equal(t, correct, matches)
}

func TestGradient(t *testing.T) {
	for _, loss := range Losses {
		q := num.NewCPUDevice().NewQueue(1)
		conf := compile(t, Config{}.AddLayers(
			Linear{Nout: 5},
			Activation{Atype: "tanh"},
			Linear{Nout: nOut},
			Activation{Atype: "softmax"},
		), "sgd", loss)
		rng := rand.New(rand.NewSource(3))
		net, err := New(q, conf, batch, []int{nIn}, rng)
		require.NoError(t, err)
		net.InitWeights()
		x := q.NewArray(num.Float32, batch, nIn)
		y := q.NewArray(num.Int32, batch)
		y1H := q.NewArray(num.Float32, batch, nOut)
		q.Call(
			num.Write(x, randArray(rng, batch*nIn, -1, 1)),
			num.Write(y, []int32{0, 3, 1, 2, 3}),
			num.Onehot(y, y1H, nOut),
		)
		// last row is padding
		rows := batch - 1
		batchLoss(net, x, y1H, rows)
		net.Bprop(net.inputGrad)
		layer := net.Layers[0].(ParamLayer)
		W, B := layer.Params()
		dW, dB := layer.ParamGrads()
		for _, p := range [][2]num.Array{{W, dW}, {B, dB}} {
			vals := make([]float32, p[0].Size())
			grads := make([]float32, p[1].Size())
			q.Call(num.Read(p[0], vals), num.Read(p[1], grads)).Finish()
			const eps = 1e-2
			for i := range vals {
				save := vals[i]
				vals[i] = save + eps
				q.Call(num.Write(p[0], vals))
				l1 := batchLoss(net, x, y1H, rows)
				vals[i] = save - eps
				q.Call(num.Write(p[0], vals))
				l2 := batchLoss(net, x, y1H, rows)
				vals[i] = save
				q.Call(num.Write(p[0], vals))
				numeric := (l1 - l2) / (2 * eps)
				assert.InDelta(t, numeric, grads[i], 2e-3, "%s grad %d", loss, i)
			}
		}
	}
}

// two classes: bright pixels on the left or right of a 4x4 image
func syntheticData(rng *rand.Rand, n int) Data {
	labels := make([]int32, n)
	inputs := make([]float32, n*16)
	for i := range labels {
		labels[i] = int32(i % 2)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				v := 0.2 * rng.Float32()
				if (x < 2) == (labels[i] == 0) {
					v += 0.8
				}
				inputs[i*16+y*4+x] = v
			}
		}
	}
	return NewData(2, []int{1, 4, 4}, labels, inputs)
}

func TestDatasetBatches(t *testing.T) {
	dev := num.NewCPUDevice()
	rng := rand.New(rand.NewSource(1))
	dset := NewDataset(dev, syntheticData(rng, 10), 4, 0, rng)
	defer dset.Release()
	assert.Equal(t, 3, dset.Batches)
	dset.Shuffle()
	for epoch := 0; epoch < 2; epoch++ {
		dset.NextEpoch()
		var rows []int
		seen := 0
		for b := 0; b < dset.Batches; b++ {
			x, y, _, n := dset.NextBatch()
			assert.Equal(t, []int{4, 1, 4, 4}, x.Dims())
			rows = append(rows, n)
			for _, l := range y.Int32s()[:n] {
				assert.True(t, l == 0 || l == 1)
				seen++
			}
		}
		assert.Equal(t, []int{4, 4, 2}, rows)
		assert.Equal(t, 10, seen)
	}
}

func TestTrainSynthetic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	train, test := syntheticData(rng, 60), syntheticData(rng, 20)
	q := num.NewCPUDevice().NewQueue(2)
	conf := compile(t, Config{TrainBatch: 8, MaxEpoch: 15, Shuffle: true, Eta: 0.01}.AddLayers(
		Flatten{},
		Linear{Nout: 8},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.2},
		Linear{Nout: 2},
		Activation{Atype: "softmax"},
	), "adam", "categorical_crossentropy")
	net, err := New(q, conf, conf.TrainBatch, train.Shape(), rng)
	require.NoError(t, err)
	net.InitWeights()
	dset := NewDataset(q.Dev(), train, conf.TrainBatch, 0, rng)
	tester, err := NewTestBase().Init(q, conf, map[string]Data{"test": test}, rng)
	require.NoError(t, err)
	Train(net, dset, tester)
	require.Len(t, tester.Stats, conf.MaxEpoch)
	first, last := tester.Stats[0], tester.Stats[len(tester.Stats)-1]
	for i, s := range tester.Stats {
		t.Log(FormatStats(s, tester.Headers, conf.MaxEpoch), i)
	}
	assert.Equal(t, []string{"loss", "accuracy", "test loss", "test accuracy"}, tester.Headers)
	assert.Less(t, last.Values[0], first.Values[0])
	assert.GreaterOrEqual(t, last.Values[3], 0.95)

	testSet := NewDataset(q.Dev(), test, conf.TrainBatch, 0, rng)
	loss, acc := net.Evaluate(testSet)
	assert.InDelta(t, last.Values[2], loss, 1e-4)
	assert.InDelta(t, last.Values[3], acc, 1e-6)
	pred := net.Classify(testSet)
	assert.Len(t, pred, 20)
}

func TestMinLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := num.NewCPUDevice().NewQueue(1)
	conf := compile(t, Config{TrainBatch: 10, MaxEpoch: 50, MinLoss: 10}.AddLayers(
		Flatten{}, Linear{Nout: 2}, Activation{Atype: "softmax"},
	), "adam", "categorical_crossentropy")
	train := syntheticData(rng, 20)
	net, err := New(q, conf, conf.TrainBatch, train.Shape(), rng)
	require.NoError(t, err)
	net.InitWeights()
	tester := NewTestBase()
	Train(net, NewDataset(q.Dev(), train, 10, 0, rng), tester)
	assert.Len(t, tester.Stats, 1)
}

func TestSaveLoadModel(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(2)
	net := convNet(t, q, 3, batch)
	file := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, net.SaveModel(file))
	net2, err := LoadModel(q, file, 2, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, net2.BatchSize())

	rng := rand.New(rand.NewSource(2))
	data := randArray(rng, batch*300, 0, 1)
	in1 := q.NewArray(num.Float32, batch, 3, 10, 10)
	in2 := q.NewArray(num.Float32, 2, 3, 10, 10)
	q.Call(num.Write(in1, data), num.Write(in2, data[:600]))
	out1 := make([]float32, batch*3)
	out2 := make([]float32, 2*3)
	q.Call(
		num.Read(net.Fprop(in1, false), out1),
		num.Read(net2.Fprop(in2, false), out2),
	).Finish()
	for i := range out2 {
		assert.InDelta(t, out1[i], out2[i], 1e-6)
	}
}

func TestStatsFormat(t *testing.T) {
	s := Stats{Epoch: 2, Values: []float64{0.1234567, 0.5, 1.5, 0.25}, Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, []string{"0.1235", "50.00%", "1.5000", "25.00%"}, s.Format())
	line := FormatStats(s, []string{"loss", "accuracy", "test loss", "test accuracy"}, 10)
	assert.Equal(t, "epoch   2/10:  loss = 0.1235  accuracy = 50.00%  test loss = 1.5000  test accuracy = 25.00%  [1.5s]", line)
	assert.False(t, math.IsNaN(s.Values[0]))
}

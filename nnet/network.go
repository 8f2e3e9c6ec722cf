// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/jnb666/trafficnet/num"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	queue     num.Queue
	rng       *rand.Rand
	opt       optimizer
	inShape   []int
	classes   num.Array
	diffs     num.Array
	losses    num.Array
	inputGrad num.Array
	batchErr  num.Array
	batchLoss num.Array
	totalErr  num.Array
	totalLoss num.Array
}

// New function creates a new network with the given layers. inShape is the shape of a single input
// sample, the network processes batchSize samples at a time.
func New(queue num.Queue, conf Config, batchSize int, inShape []int, rng *rand.Rand) (*Network, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatch
	}
	n := &Network{Config: conf, queue: queue, rng: rng}
	n.inShape = append([]int{batchSize}, inShape...)
	shape := n.inShape
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if err := checkShape(layer, shape); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		layer.Init(queue, shape, rng)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
	}
	if len(shape) != 2 {
		return nil, errors.Errorf("output shape %v should be 2 dimensional", shape)
	}
	nout := shape[1]
	n.classes = queue.NewArray(num.Int32, batchSize)
	n.diffs = queue.NewArray(num.Int32, batchSize)
	n.losses = queue.NewArray(num.Float32, batchSize)
	n.inputGrad = queue.NewArray(num.Float32, batchSize, nout)
	n.batchErr = queue.NewArray(num.Float32)
	n.batchLoss = queue.NewArray(num.Float32)
	n.totalErr = queue.NewArray(num.Float32)
	n.totalLoss = queue.NewArray(num.Float32)
	n.opt = newOptimizer(queue, conf)
	if conf.DebugLevel >= 1 {
		fmt.Println(n)
	}
	return n, nil
}

func checkShape(layer Layer, shape []int) error {
	for _, dim := range shape {
		if dim < 1 {
			return errors.Errorf("%s: invalid input shape %v", layer.ToString(), shape)
		}
	}
	switch l := layer.(type) {
	case *conv:
		if len(shape) != 4 {
			return errors.Errorf("%s: expect 4 dimensional input, got %v", layer.ToString(), shape)
		}
		if shape[2]+2*l.Pad < l.Size || shape[3]+2*l.Pad < l.Size {
			return errors.Errorf("%s: input shape %v is too small", layer.ToString(), shape)
		}
	case *maxPool:
		if len(shape) != 4 {
			return errors.Errorf("%s: expect 4 dimensional input, got %v", layer.ToString(), shape)
		}
		if shape[2] < l.Size || shape[3] < l.Size {
			return errors.Errorf("%s: input shape %v is too small", layer.ToString(), shape)
		}
	case *linear:
		if len(shape) != 2 {
			return errors.Errorf("%s: expect 2 dimensional input, got %v - missing flatten layer?", layer.ToString(), shape)
		}
	case *activation:
		if l.Atype == "softmax" && len(shape) != 2 {
			return errors.Errorf("%s: expect 2 dimensional input, got %v", layer.ToString(), shape)
		}
	}
	for _, dim := range layer.OutShape(shape) {
		if dim < 1 {
			return errors.Errorf("%s: input shape %v is too small", layer.ToString(), shape)
		}
	}
	return nil
}

// Release allocated memory
func (n *Network) Release() {
	for _, layer := range n.Layers {
		layer.Release()
	}
	n.opt.release()
	num.Release(n.classes, n.diffs, n.losses, n.inputGrad, n.batchErr, n.batchLoss, n.totalErr, n.totalLoss)
}

// Queue returns the queue used to execute the network operations.
func (n *Network) Queue() num.Queue { return n.queue }

// BatchSize is the number of samples processed in each forward pass
func (n *Network) BatchSize() int { return n.inShape[0] }

// InShape returns the input shape including the batch dimension.
func (n *Network) InShape() []int { return n.inShape }

// OutShape returns the output shape including the batch dimension.
func (n *Network) OutShape() []int {
	shape := n.inShape
	for _, layer := range n.Layers {
		shape = layer.OutShape(shape)
	}
	return shape
}

// Initialise network weights using the WeightInit method from the config.
func (n *Network) InitWeights() {
	for _, l := range n.paramLayers() {
		l.InitParams(n.WeightInit, n.rng)
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).CopyParams(W, B)
		}
	}
}

// Feed forward the input to get the predicted output. Dropout is only applied if trainMode is set.
func (n *Network) Fprop(input num.Array, trainMode bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, trainMode)
	}
	return pred
}

// Back propagate the gradient at the output through each layer.
func (n *Network) Bprop(grad num.Array) num.Array {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(grad)
		if n.DebugLevel >= 3 && grad != nil {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
	return grad
}

// Predict output given input data, the most likely class for each sample is written to classes.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Unhot(yPred, classes))
	return yPred
}

// Loss function calculates the loss for the first rows entries in the batch. The gradient at the output averaged
// over these rows is saved in inputGrad, with padding rows set to zero.
func (n *Network) loss(yOneHot, yPred num.Array, rows int) num.Function {
	losses := n.losses.Slice(0, rows)
	grad := n.inputGrad.Slice(0, rows)
	n.queue.Call(num.Fill(n.inputGrad, 0))
	scale := 1 / float32(rows)
	if n.Loss == "mean_squared_error" {
		return num.QuadraticLoss(yOneHot.Slice(0, rows), yPred.Slice(0, rows), losses, grad, scale)
	}
	return num.CrossEntropyLoss(yOneHot.Slice(0, rows), yPred.Slice(0, rows), losses, grad, scale)
}

// accumulate the loss and number of errors for the first rows entries in the batch
func (n *Network) accumulate(y, yPred num.Array, rows int) {
	n.queue.Call(
		num.Unhot(yPred.Slice(0, rows), n.classes.Slice(0, rows)),
		num.Neq(n.classes.Slice(0, rows), y.Slice(0, rows), n.diffs.Slice(0, rows)),
		num.Sum(n.diffs.Slice(0, rows), n.batchErr, 1),
		num.Sum(n.losses.Slice(0, rows), n.batchLoss, 1),
		num.Axpy(1, n.batchErr, n.totalErr),
		num.Axpy(1, n.batchLoss, n.totalLoss),
	)
}

func (n *Network) resetTotals() {
	n.queue.Call(num.Fill(n.totalErr, 0), num.Fill(n.totalLoss, 0))
}

// returns the mean loss and accuracy over samples
func (n *Network) totals(samples int) (loss, accuracy float64) {
	if samples == 0 {
		return 0, 0
	}
	errs, losses := []float32{0}, []float32{0}
	n.queue.Call(num.Read(n.totalErr, errs), num.Read(n.totalLoss, losses)).Finish()
	return float64(losses[0]) / float64(samples), 1 - float64(errs[0])/float64(samples)
}

// Evaluate the mean loss and accuracy over all samples in the dataset with dropout disabled.
func (n *Network) Evaluate(dset *Dataset) (loss, accuracy float64) {
	return n.eval(dset, nil)
}

// Classify returns the predicted class for each sample in the dataset.
func (n *Network) Classify(dset *Dataset) []int32 {
	pred := make([]int32, dset.Samples)
	n.eval(dset, pred)
	return pred
}

func (n *Network) eval(dset *Dataset, pred []int32) (loss, accuracy float64) {
	if dset.BatchSize != n.BatchSize() {
		panic(fmt.Sprintf("Evaluate: dataset batch size %d does not match network %d", dset.BatchSize, n.BatchSize()))
	}
	q := n.queue
	n.resetTotals()
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		// the loader reuses the buffer of the last batch
		q.Finish()
		x, y, yOneHot, rows := dset.NextBatch()
		yPred := n.Fprop(x, false)
		q.Call(n.loss(yOneHot, yPred, rows))
		n.accumulate(y, yPred, rows)
		if pred != nil {
			start := batch * dset.BatchSize
			q.Call(num.Read(n.classes.Slice(0, rows), pred[start:start+rows]))
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			fmt.Printf("batch %d error =%s", batch, n.batchErr.String(q))
		}
	}
	return n.totals(dset.Samples)
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-32s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s\n    output %v", n.Config.configString(), strings.Join(s, "\n"), shape)
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			fmt.Printf("== Layer %d weights ==\n%s %s\n", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

func (n *Network) paramLayers() []ParamLayer {
	var list []ParamLayer
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			list = append(list, l)
		}
	}
	return list
}

// saved model format
type modelFile struct {
	Config  Config
	InShape []int
	Weights [][]float32
	Biases  [][]float32
}

// SaveModel writes the network config and weights to a file in gob format.
func (n *Network) SaveModel(path string) error {
	m := modelFile{Config: n.Config, InShape: n.inShape[1:]}
	for _, l := range n.paramLayers() {
		W, B := l.Params()
		w, b := make([]float32, W.Size()), make([]float32, B.Size())
		n.queue.Call(num.Read(W, w), num.Read(B, b))
		m.Weights = append(m.Weights, w)
		m.Biases = append(m.Biases, b)
	}
	n.queue.Finish()
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(&m); err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding model to %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	zap.S().Infow("saved model", "path", path)
	return errors.WithStack(f.Close())
}

// LoadModel reads a network saved with SaveModel and creates a new network with the given batch size.
func LoadModel(queue num.Queue, path string, batchSize int, rng *rand.Rand) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	var m modelFile
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "error decoding model from %s", path)
	}
	net, err := New(queue, m.Config, batchSize, m.InShape, rng)
	if err != nil {
		return nil, err
	}
	layers := net.paramLayers()
	if len(layers) != len(m.Weights) || len(layers) != len(m.Biases) {
		return nil, errors.Errorf("%s: expecting weights for %d layers, got %d", path, len(layers), len(m.Weights))
	}
	for i, l := range layers {
		W, B := l.Params()
		if len(m.Weights[i]) != W.Size() || len(m.Biases[i]) != B.Size() {
			return nil, errors.Errorf("%s: invalid weights size for layer %d", path, i)
		}
		l.WriteParams(m.Weights[i], m.Biases[i])
	}
	queue.Finish()
	zap.S().Infow("loaded model", "path", path)
	return net, nil
}

package nnet

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/jnb666/trafficnet/num"
)

// Batch size used if none is configured
const DefaultBatch = 32

// Names of the data sets which are evaluated after each epoch
var DataTypes = []string{"train", "test", "valid"}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training, test or validation data.
// Batches are loaded in the background while the previous batch is being processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	rows      [2]int
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// The final batch in each epoch is short if the number of samples is not a multiple of the batch size.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 {
		batchSize = DefaultBatch
	}
	d.BatchSize = batchSize
	d.Batches = (d.Samples + batchSize - 1) / batchSize
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append([]int{d.BatchSize}, data.Shape()...)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, d.BatchSize, len(d.Classes()))
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(buf, batch int) {
		defer d.Done()
		start := batch * d.BatchSize
		end := start + d.BatchSize
		if end > d.Samples {
			end = d.Samples
		}
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer[:end-start])
		for i := end - start; i < d.BatchSize; i++ {
			d.yBuffer[i] = -1
		}
		d.rows[buf] = end - start
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer),
			num.Write(d.y[buf], d.yBuffer),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
		)
		d.queue.Finish()
	}(d.buf, d.batch)
}

// Get next batch of data. The number of valid rows is returned in n, any remaining rows are padding.
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array, n int) {
	d.Wait()
	x, y, yOneHot, n = d.x[d.buf], d.y[d.buf], d.y1H[d.buf], d.rows[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set. If Samples is less than the data size then a random subset is selected.
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Len())[:d.Samples]
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set from a flat array of inputs which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

package nnet

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/jnb666/trafficnet/num"
	"github.com/jnb666/trafficnet/stats"
	"github.com/pkg/errors"
)

// Number of epochs used for the moving average of the test loss
const emaEpochs = 10

// Training statistics. Values holds the training loss and accuracy followed by the loss and accuracy
// for each test data set.
type Stats struct {
	Epoch     int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
	avg       float64
}

func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss", "accuracy"}
	for _, key := range DataTypes {
		if _, ok := d[key]; ok && key != "train" {
			h = append(h, key+" loss", key+" accuracy")
		}
	}
	return h
}

func (s Stats) Format() []string {
	str := make([]string, len(s.Values))
	for i, v := range s.Values {
		if i%2 == 0 {
			str[i] = fmt.Sprintf("%.4f", v)
		} else {
			str[i] = fmt.Sprintf("%.2f%%", v*100)
		}
	}
	return str
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool
}

// Tester which evaluates the loss and accuracy for each of the data sets and updates the stats.
type TestBase struct {
	Net     *Network
	Data    map[string]*Dataset
	Stats   []Stats
	Headers []string
	avgLoss stats.EMA
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the test datasets and a network to evaluate them with. The training data set should not be
// included in the data map as the training loss and accuracy are recorded as the network is trained.
func (t *TestBase) Init(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (*TestBase, error) {
	t.Data = make(map[string]*Dataset)
	t.Headers = StatsHeaders(data)
	batchSize := conf.TestBatch
	if batchSize <= 0 {
		batchSize = conf.TrainBatch
	}
	var shape []int
	for key, d := range data {
		if key == "train" {
			continue
		}
		if conf.DebugLevel >= 1 {
			fmt.Println("dataset =>", key)
		}
		t.Data[key] = NewDataset(queue.Dev(), d, batchSize, conf.MaxSamples, rng)
		batchSize = t.Data[key].BatchSize
		shape = d.Shape()
	}
	if shape != nil {
		var err error
		if t.Net, err = New(queue, conf, batchSize, shape, rng); err != nil {
			return t, errors.Wrap(err, "error creating test network")
		}
	}
	return t, nil
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.avgLoss = 0
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool {
	if net.DebugLevel >= 1 {
		fmt.Printf("== TEST EPOCH %d ==\n", epoch)
	}
	s := Stats{Epoch: epoch, Values: []float64{loss, accuracy}, BestSince: -1}
	stopLoss := loss
	if t.Net != nil {
		net.CopyTo(t.Net)
	}
	for _, key := range DataTypes {
		dset, ok := t.Data[key]
		if !ok {
			continue
		}
		testLoss, testAcc := t.Net.Evaluate(dset)
		s.Values = append(s.Values, testLoss, testAcc)
		if key == "valid" || (key == "test" && t.Data["valid"] == nil) {
			stopLoss = testLoss
		}
	}
	// get number of epochs since the moving average of the loss last decreased
	t.avgLoss = stats.EMA(t.avgLoss.Add(stopLoss, emaEpochs))
	s.BestSince = 0
	for ep := len(t.Stats) - 1; ep >= 0; ep-- {
		if t.Stats[ep].avg > float64(t.avgLoss) {
			break
		}
		s.BestSince++
	}
	s.avg = float64(t.avgLoss)
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || (net.MinLoss > 0 && loss <= net.MinLoss) || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
}

// Release allocated memory
func (t *TestBase) Release() {
	for _, dset := range t.Data {
		dset.Release()
	}
	if t.Net != nil {
		t.Net.Release()
	}
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(queue num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (Tester, error) {
	base, err := NewTestBase().Init(queue, conf, data, rng)
	return LogStats(base), err
}

// LogStats returns a tester which prints the stats recorded by base to stdout.
func LogStats(base *TestBase) Tester {
	return testLogger{TestBase: base}
}

func (t testLogger) Test(net *Network, epoch int, loss, accuracy float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, accuracy, start)
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery <= 1 || epoch%net.LogEvery == 0 {
		fmt.Println(FormatStats(s, t.Headers, net.MaxEpoch))
	}
	if done {
		fmt.Printf("run time: %s\n", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// FormatStats returns a one line summary of the stats for an epoch.
func FormatStats(s Stats, headers []string, maxEpoch int) string {
	msg := fmt.Sprintf("epoch %3d/%d:", s.Epoch, maxEpoch)
	for i, val := range s.Format() {
		msg += fmt.Sprintf("  %s = %s", headers[i], val)
	}
	return msg + fmt.Sprintf("  [%s]", s.Elapsed.Round(10*time.Millisecond))
}

// Train the network on the given training set by updating the weights
func Train(net *Network, dset *Dataset, test Tester) {
	done := false
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch && !done; epoch++ {
		loss, accuracy := TrainEpoch(net, dset)
		done = test.Test(net, epoch, loss, accuracy, start)
	}
}

// Perform one training epoch on dataset, returns the mean loss and accuracy over the batches
// calculated prior to updating the weights.
func TrainEpoch(net *Network, dset *Dataset) (loss, accuracy float64) {
	q := net.queue
	if net.Shuffle {
		dset.Shuffle()
	}
	layers := net.paramLayers()
	net.resetTotals()
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		q.Finish()
		x, y, yOneHot, rows := dset.NextBatch()
		yPred := net.Fprop(x, true)
		if net.DebugLevel >= 2 {
			fmt.Printf("yOneHot:\n%s", yOneHot.String(q))
			fmt.Printf("yPred:\n%s", yPred.String(q))
		}
		q.Call(net.loss(yOneHot, yPred, rows))
		net.accumulate(y, yPred, rows)
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("input grad:\n%s", net.inputGrad.String(q))
		}
		net.Bprop(net.inputGrad)
		net.opt.update(layers)
		if net.DebugLevel >= 2 || (batch == dset.Batches-1 && net.DebugLevel >= 1) {
			net.PrintWeights()
		}
	}
	return net.totals(dset.Samples)
}

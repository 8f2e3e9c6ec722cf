// Command experiments writes the network config for each of the tuning trials to a .net file,
// or with --run trains every trial on the same data and prints a comparison with the reported results.
//
//	experiments [--run] [flags] [data_directory]
package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jnb666/trafficnet/config"
	"github.com/jnb666/trafficnet/img"
	"github.com/jnb666/trafficnet/logger"
	"github.com/jnb666/trafficnet/nnet"
	"github.com/jnb666/trafficnet/num"
	"github.com/jnb666/trafficnet/stats"
	"github.com/jnb666/trafficnet/traffic"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type result struct {
	exp       traffic.Experiment
	loss, acc stats.Average
	elapsed   time.Duration
}

func main() {
	fs := pflag.NewFlagSet("experiments", pflag.ExitOnError)
	config.AddFlags(fs)
	runAll := fs.Bool("run", false, "train each experiment and print the results")
	repeat := fs.Int("repeat", 1, "number of training runs per experiment")
	outDir := fs.String("out", "", "directory for the .net files")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: experiments [--run] [flags] [data_directory]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if !*runAll {
		nnet.DataDir = *outDir
		if err := writeConfigs(cfg); err != nil {
			log.Error("error writing configs", zap.Error(err))
			os.Exit(1)
		}
		return
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	cfg.Data.Dir = fs.Arg(0)
	results, err := runExperiments(cfg, *repeat)
	if err != nil {
		log.Error("error running experiments", zap.Error(err))
		os.Exit(1)
	}
	printResults(os.Stdout, results)
}

// save the config for each experiment as <name>.net plus a <name>.default copy
func writeConfigs(cfg config.AppConfig) error {
	categories := cfg.Data.Categories
	if categories <= 0 {
		categories = traffic.NumCategories
	}
	for _, exp := range traffic.Experiments {
		conf := exp.Model(cfg.Data.Width, cfg.Data.Height, categories)
		conf.MaxEpoch = cfg.Train.Epochs
		conf.TrainBatch = cfg.Train.Batch
		if err := conf.SaveDefault(exp.Name); err != nil {
			return errors.Wrapf(err, "error saving %s", exp.Name)
		}
	}
	return nil
}

func runExperiments(cfg config.AppConfig, repeat int) ([]*result, error) {
	seed := cfg.Train.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	opts := traffic.Options{
		Width:      cfg.Data.Width,
		Height:     cfg.Data.Height,
		Categories: cfg.Data.Categories,
		TestSize:   cfg.Data.TestSize,
		Cache:      cfg.Data.Cache,
	}
	train, test, err := traffic.LoadData(cfg.Data.Dir, opts, rng)
	if err != nil {
		return nil, err
	}
	q := num.NewCPUDevice().NewQueue(cfg.Train.Threads)
	defer q.Shutdown()
	q.Profiling(cfg.Train.Profile)

	var results []*result
	for _, exp := range traffic.Experiments {
		res := &result{exp: exp}
		for run := 1; run <= repeat; run++ {
			conf := exp.Model(cfg.Data.Width, cfg.Data.Height, len(train.Classes()))
			conf.MaxEpoch = cfg.Train.Epochs
			conf.TrainBatch = cfg.Train.Batch
			conf.LogEvery = conf.MaxEpoch
			fmt.Printf("== %s run %d/%d ==\n", exp.Name, run, repeat)
			start := time.Now()
			loss, acc, err := trainOnce(q, conf, train, test, rng)
			if err != nil {
				return nil, errors.Wrapf(err, "experiment %s", exp.Name)
			}
			res.elapsed += time.Since(start)
			res.loss.Add(loss)
			res.acc.Add(acc)
			zap.S().Infow("experiment run complete", "name", exp.Name, "run", run, "loss", loss, "accuracy", acc)
		}
		results = append(results, res)
	}
	return results, nil
}

// train a new network with the given config and return the loss and accuracy on the test set
func trainOnce(q num.Queue, conf nnet.Config, train, test *img.Data, rng *rand.Rand) (loss, acc float64, err error) {
	dset := nnet.NewDataset(q.Dev(), train, conf.TrainBatch, conf.MaxSamples, rng)
	defer dset.Release()
	net, err := nnet.New(q, conf, dset.BatchSize, train.Shape(), rng)
	if err != nil {
		return 0, 0, err
	}
	defer net.Release()
	net.InitWeights()
	base, err := nnet.NewTestBase().Init(q, conf, map[string]nnet.Data{"test": test}, rng)
	if err != nil {
		return 0, 0, err
	}
	defer base.Release()
	nnet.Train(net, dset, nnet.LogStats(base))
	net.CopyTo(base.Net)
	loss, acc = base.Net.Evaluate(base.Data["test"])
	return loss, acc, nil
}

func printResults(w io.Writer, results []*result) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "experiment\tloss\taccuracy\treported loss\treported accuracy\trun time\tdescription")
	for _, r := range results {
		repLoss, repAcc := "-", "-"
		if r.exp.Reported {
			repAcc = fmt.Sprintf("%.2f", r.exp.Accuracy)
			if r.exp.Loss > 0 {
				repLoss = fmt.Sprintf("%.2f", r.exp.Loss)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.exp.Name, r.loss.Format(4), r.acc.Format(4),
			repLoss, repAcc, r.elapsed.Round(time.Second), r.exp.Description)
	}
	tw.Flush()
}

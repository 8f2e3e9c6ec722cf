// Command traffic trains the traffic sign classifier and evaluates it on the held out test images.
//
//	traffic [flags] data_directory [model.file]
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnb666/trafficnet/config"
	"github.com/jnb666/trafficnet/logger"
	"github.com/jnb666/trafficnet/nnet"
	"github.com/jnb666/trafficnet/num"
	"github.com/jnb666/trafficnet/traffic"
	"github.com/jnb666/trafficnet/web"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	fs := pflag.NewFlagSet("traffic", pflag.ExitOnError)
	config.AddFlags(fs)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: traffic [flags] data_directory [model.file]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Data.Dir = fs.Arg(0)
	if fs.NArg() == 2 {
		cfg.Train.Save = fs.Arg(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		log.Error("traffic failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig) error {
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
		return err
	}
	name, conf, err := modelConfig(cfg, len(train.Classes()))
	if err != nil {
		return err
	}
	conf.MaxEpoch = cfg.Train.Epochs
	conf.TrainBatch = cfg.Train.Batch
	conf.RandSeed = seed
	conf.Threads = cfg.Train.Threads
	conf.Profile = cfg.Train.Profile
	zap.S().Infow("model config", "name", name, "seed", seed, "epochs", conf.MaxEpoch, "batch", conf.TrainBatch)

	dev := num.NewCPUDevice()
	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	q.Profiling(conf.Profile)

	dset := nnet.NewDataset(dev, train, conf.TrainBatch, conf.MaxSamples, rng)
	defer dset.Release()
	net, err := nnet.New(q, conf, dset.BatchSize, train.Shape(), rng)
	if err != nil {
		return errors.Wrap(err, "error building network")
	}
	defer net.Release()
	fmt.Println(net)
	net.InitWeights()

	base, err := nnet.NewTestBase().Init(q, conf, map[string]nnet.Data{"test": test}, rng)
	if err != nil {
		return err
	}
	defer base.Release()
	tester := nnet.LogStats(base)
	var dash *web.Dashboard
	if cfg.Web.Addr != "" {
		if dash, err = web.NewDashboard(name, conf, base, tester); err != nil {
			return err
		}
		tester = dash
		go func() {
			if err := dash.ListenAndServe(ctx, cfg.Web.Addr); err != nil {
				zap.S().Errorw("dashboard stopped", "error", err)
			}
		}()
	}

	nnet.Train(net, dset, tester)

	net.CopyTo(base.Net)
	loss, acc := base.Net.Evaluate(base.Data["test"])
	fmt.Printf("%d/%d - loss: %.4f - accuracy: %.4f\n", test.Len(), test.Len(), loss, acc)

	if cfg.Train.Save != "" {
		if err := net.SaveModel(cfg.Train.Save); err != nil {
			return err
		}
		fmt.Println("model saved to", cfg.Train.Save)
	}
	if dash != nil {
		dash.SetPredictions(test, base.Net.Classify(base.Data["test"]))
		zap.S().Infow("training complete: dashboard running, interrupt to exit", "addr", cfg.Web.Addr)
		<-ctx.Done()
	}
	return nil
}

// modelConfig returns the network from the model file if one is given, else the named experiment.
func modelConfig(cfg config.AppConfig, categories int) (string, nnet.Config, error) {
	if cfg.Train.Model != "" {
		conf, err := nnet.LoadConfig(cfg.Train.Model)
		return cfg.Train.Model, conf, err
	}
	exp, ok := traffic.FindExperiment(cfg.Train.Experiment)
	if !ok {
		return "", nnet.Config{}, errors.Errorf("unknown experiment %q", cfg.Train.Experiment)
	}
	return exp.Name, exp.Model(cfg.Data.Width, cfg.Data.Height, categories), nil
}

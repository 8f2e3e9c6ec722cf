package nnet

import (
	"github.com/jnb666/trafficnet/num"
)

// Default Adam settings
const (
	AdamLearningRate = 0.001
	AdamBeta1        = 0.9
	AdamBeta2        = 0.999
	AdamEpsilon      = 1e-7
)

// Default learning rate for sgd if Eta is not set
const SGDLearningRate = 0.01

// optimizer updates the parameters of each layer from the gradients calculated in the last batch.
// Gradients are already averaged over the batch.
type optimizer interface {
	update(layers []ParamLayer)
	release()
}

func newOptimizer(q num.Queue, conf Config) optimizer {
	switch conf.Optimizer {
	case "adam":
		lr := conf.Eta
		if lr == 0 {
			lr = AdamLearningRate
		}
		return &adam{queue: q, learningRate: float32(lr)}
	default:
		eta := conf.Eta
		if eta == 0 {
			eta = SGDLearningRate
		}
		return &sgd{queue: q, eta: float32(eta), lambda: float32(conf.Lambda)}
	}
}

// stochastic gradient descent with optional L2 weight decay
type sgd struct {
	queue       num.Queue
	eta, lambda float32
}

func (o *sgd) update(layers []ParamLayer) {
	for _, l := range layers {
		w, b := l.Params()
		dw, db := l.ParamGrads()
		if o.lambda != 0 {
			o.queue.Call(num.Axpy(o.lambda, w, dw))
		}
		o.queue.Call(
			num.Axpy(-o.eta, dw, w),
			num.Axpy(-o.eta, db, b),
		)
	}
}

func (o *sgd) release() {}

// adam optimizer with first and second moment estimates for each parameter array
type adam struct {
	queue        num.Queue
	learningRate float32
	step         int
	moments      map[num.Array][2]num.Array
}

func (o *adam) update(layers []ParamLayer) {
	if o.moments == nil {
		o.moments = make(map[num.Array][2]num.Array)
	}
	o.step++
	for _, l := range layers {
		w, b := l.Params()
		dw, db := l.ParamGrads()
		o.queue.Call(
			o.adamStep(w, dw),
			o.adamStep(b, db),
		)
	}
}

func (o *adam) adamStep(x, dx num.Array) num.Function {
	mv, ok := o.moments[x]
	if !ok {
		mv = [2]num.Array{o.queue.NewArrayLike(x), o.queue.NewArrayLike(x)}
		o.moments[x] = mv
	}
	return num.Adam(x, dx, mv[0], mv[1], o.learningRate, AdamBeta1, AdamBeta2, AdamEpsilon, o.step)
}

func (o *adam) release() {
	for _, mv := range o.moments {
		num.Release(mv[0], mv[1])
	}
	o.moments = nil
}

package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/trafficnet/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net.
// Shapes are in batch, channels, rows, cols order.
type Layer interface {
	Init(q num.Queue, inShape []int, rng *rand.Rand) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array, trainMode bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
	Release()
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(method string, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	CopyParams(W, B num.Array)
	WriteParams(W, B []float32)
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var layer interface {
		Layer
		unmarshal(data json.RawMessage) error
	}
	switch l.Type {
	case "conv":
		layer = &conv{}
	case "maxPool":
		layer = &maxPool{}
	case "linear":
		layer = &linear{}
	case "activation":
		layer = &activation{}
	case "dropout":
		layer = &dropout{}
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
	if err := layer.unmarshal(l.Data); err != nil {
		return nil, errors.Wrapf(err, "%s layer", l.Type)
	}
	return layer, nil
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface. Input is [batch, depth, height, width].
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) OutShape(inShape []int) []int {
	stride := c.Stride
	if stride < 1 {
		stride = 1
	}
	n, h, w := inShape[0], inShape[2], inShape[3]
	return []int{n, c.Nfeats, (h+2*c.Pad-c.Size)/stride + 1, (w+2*c.Pad-c.Size)/stride + 1}
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c MaxPool) OutShape(inShape []int) []int {
	stride := c.Stride
	if stride < 1 {
		stride = c.Size
	}
	return []int{inShape[0], inShape[1], (inShape[2]-c.Size)/stride + 1, (inShape[3]-c.Size)/stride + 1}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c Linear) OutShape(inShape []int) []int {
	return []int{inShape[0], c.Nout}
}

// Sigmoid, tanh, relu or softmax activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) OutShape(inShape []int) []int { return inShape }

// Dropout layer zeros a fraction Ratio of its inputs while training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

func (c Dropout) OutShape(inShape []int) []int { return inShape }

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// convolutional layer implementation
type conv struct {
	Conv
	paramBase
	*layerDNN
}

func (l *conv) unmarshal(data json.RawMessage) error {
	if err := json.Unmarshal(data, &l.Conv); err != nil {
		return err
	}
	if l.Nfeats < 1 || l.Size < 1 {
		return errors.Errorf("invalid config %+v", l.Conv)
	}
	return nil
}

func (l *conv) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	n, d, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase = newParams(queue, layer.FilterShape(), layer.BiasShape(), d*l.Size*l.Size, l.Nfeats*l.Size*l.Size)
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

func (l *conv) Release() {
	l.layerDNN.Release()
	l.paramBase.Release()
}

// pool layer implentation
type maxPool struct {
	MaxPool
	*layerDNN
}

func (l *maxPool) unmarshal(data json.RawMessage) error {
	if err := json.Unmarshal(data, &l.MaxPool); err != nil {
		return err
	}
	if l.Size < 1 {
		return errors.Errorf("invalid config %+v", l.MaxPool)
	}
	return nil
}

func (l *maxPool) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.layerDNN = newLayerDNN(queue, queue.MaxPoolLayer(inShape, l.Size, l.Stride))
	return l
}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
}

func (l *linear) unmarshal(data json.RawMessage) error {
	if err := json.Unmarshal(data, &l.Linear); err != nil {
		return err
	}
	if l.Nout < 1 {
		return errors.Errorf("invalid config %+v", l.Linear)
	}
	return nil
}

func (l *linear) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	nBatch, nIn := inShape[0], inShape[1]
	l.layerBase = newLayerBase(queue, inShape, l.OutShape(inShape))
	l.paramBase = newParams(queue, []int{nIn, l.Nout}, []int{l.Nout}, nIn, l.Nout)
	l.ones = queue.NewArray(num.Float32, nBatch)
	queue.Call(num.Fill(l.ones, 1))
	return l
}

func (l *linear) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.paramBase.queue.Call(
		num.Copy(l.dst, l.b),
		num.Gemm(1, 1, l.src, l.w, l.dst, num.NoTrans, num.NoTrans),
	)
	return l.dst
}

func (l *linear) Bprop(grad num.Array) num.Array {
	l.paramBase.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.Trans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.Trans, num.NoTrans),
		num.Gemm(1, 0, grad, l.w, l.dsrc, num.NoTrans, num.Trans),
	)
	return l.dsrc
}

func (l *linear) Release() {
	l.layerBase.Release()
	l.paramBase.Release()
	num.Release(l.ones)
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ     func(x, y num.Array) num.Function
	deriv     func(x, grad, res num.Array) num.Function
	useOutput bool
}

func (l *activation) unmarshal(data json.RawMessage) error {
	if err := json.Unmarshal(data, &l.Activation); err != nil {
		return err
	}
	switch l.Atype {
	case "sigmoid":
		l.activ, l.deriv, l.useOutput = num.Sigmoid, num.SigmoidD, true
	case "tanh":
		l.activ, l.deriv, l.useOutput = num.Tanh, num.TanhD, true
	case "relu":
		l.activ, l.deriv = num.Relu, num.ReluD
	case "softmax":
		l.activ, l.deriv, l.useOutput = num.Softmax, num.SoftmaxD, true
	default:
		return errors.Errorf("activation type %q invalid", l.Atype)
	}
	return nil
}

func (l *activation) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.layerBase = newLayerBase(queue, inShape, inShape)
	return l
}

func (l *activation) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	if l.useOutput {
		l.queue.Call(l.deriv(l.dst, grad, l.dsrc))
	} else {
		l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	}
	return l.dsrc
}

// dropout layer, inverted so that no scaling is needed at test time
type dropout struct {
	Dropout
	layerBase
	mask num.Array
	rng  *rand.Rand
}

func (l *dropout) unmarshal(data json.RawMessage) error {
	if err := json.Unmarshal(data, &l.Dropout); err != nil {
		return err
	}
	if l.Ratio < 0 || l.Ratio >= 1 {
		return errors.Errorf("dropout ratio %g must be in range [0, 1)", l.Ratio)
	}
	return nil
}

func (l *dropout) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.mask = queue.NewArray(num.Float32, inShape...)
	l.rng = rng
	return l
}

func (l *dropout) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	if !trainMode || l.Ratio == 0 {
		l.queue.Call(num.Fill(l.mask, 1), num.Copy(l.dst, in))
		return l.dst
	}
	l.queue.Call(num.Dropout(in, l.dst, l.mask, float32(l.Ratio), l.rng))
	return l.dst
}

func (l *dropout) Bprop(grad num.Array) num.Array {
	l.queue.Call(num.DropoutD(grad, l.mask, l.dsrc))
	return l.dsrc
}

func (l *dropout) Release() {
	l.layerBase.Release()
	num.Release(l.mask)
}

type flatten struct {
	src num.Array
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{inShape[0], num.Prod(inShape[1:])}
}

func (l *flatten) Init(queue num.Queue, inShape []int, rng *rand.Rand) Layer {
	return l
}

func (l *flatten) Fprop(in num.Array, trainMode bool) num.Array {
	l.src = in
	return in.Reshape(in.Dims()[0], -1)
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	return grad.Reshape(l.src.Dims()...)
}

func (l *flatten) Release() {}

// base layer type with output and input gradient arrays
type layerBase struct {
	queue num.Queue
	src   num.Array
	dst   num.Array
	dsrc  num.Array
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		queue: queue,
		dst:   queue.NewArray(num.Float32, outShape...),
		dsrc:  queue.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) Release() {
	num.Release(l.dst, l.dsrc)
}

// layer which wraps a num.Layer kernel
type layerDNN struct {
	que   num.Queue
	layer num.Layer
}

func newLayerDNN(queue num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: queue, layer: layer}
}

func (l *layerDNN) Fprop(in num.Array, trainMode bool) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(num.BpropData(l.layer))
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	return l.layer.DiffSrc()
}

func (l *layerDNN) Release() {
	num.Release(l.layer.Dst(), l.layer.DiffSrc())
}

// weight and bias parameters
type paramBase struct {
	queue         num.Queue
	w, b          num.Array
	dw, db        num.Array
	fanIn, fanOut int
}

func newParams(queue num.Queue, wShape, bShape []int, fanIn, fanOut int) paramBase {
	return paramBase{
		queue:  queue,
		w:      queue.NewArray(num.Float32, wShape...),
		b:      queue.NewArray(num.Float32, bShape...),
		dw:     queue.NewArray(num.Float32, wShape...),
		db:     queue.NewArray(num.Float32, bShape...),
		fanIn:  fanIn,
		fanOut: fanOut,
	}
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets random weights and zero bias. With the "normal" method the weights are drawn from a normal
// distribution scaled by 1/sqrt(nin), otherwise they are glorot uniform.
func (p paramBase) InitParams(method string, rng *rand.Rand) {
	weights := make([]float32, p.w.Size())
	if method == "normal" {
		scale := 1 / math.Sqrt(float64(p.fanIn))
		for i := range weights {
			weights[i] = float32(rng.NormFloat64() * scale)
		}
	} else {
		limit := math.Sqrt(6 / float64(p.fanIn+p.fanOut))
		for i := range weights {
			weights[i] = float32((2*rng.Float64() - 1) * limit)
		}
	}
	p.queue.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, 0),
	)
}

func (p paramBase) CopyParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func (p paramBase) WriteParams(W, B []float32) {
	if len(W) != p.w.Size() || len(B) != p.b.Size() {
		panic(fmt.Sprintf("WriteParams: size mismatch - got %d,%d expecting %d,%d", len(W), len(B), p.w.Size(), p.b.Size()))
	}
	p.queue.Call(num.Write(p.w, W), num.Write(p.b, B))
}

func (p paramBase) Release() {
	num.Release(p.w, p.b, p.dw, p.db)
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

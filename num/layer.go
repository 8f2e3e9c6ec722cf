package num

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a convolution or pooling layer with input and output in
// [batch, channels, height, width] format.
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

type cpuLayer interface {
	Layer
	fprop(threads int)
	bpropData(threads int)
	bpropFilter(threads int)
	bpropBias(threads int)
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_fprop", l.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_data", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_bias", l.bpropBias)
}

// common layer state
type layerBase struct {
	name      string
	inShape   []int
	outShape  []int
	src       Array
	diffDst   Array
	dst       Array
	diffSrc   Array
	w, b      Array
	dw, db    Array
	filtShape []int
	biasShape []int
}

func newLayerBase(name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		inShape:  inShape,
		outShape: outShape,
		dst:      newArrayCPU(Float32, outShape),
		diffSrc:  newArrayCPU(Float32, inShape),
	}
}

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) {
	if !SameShape(a.Dims(), l.inShape) {
		panic(fmt.Sprintf("%s: src shape %v does not match %v", l.name, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if a.Size() != Prod(l.outShape) {
		panic(fmt.Sprintf("%s: diffDst shape %v does not match %v", l.name, a.Dims(), l.outShape))
	}
	l.diffDst = a
}

func (l *layerBase) SetParams(W, B, dW, dB Array) {
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *layerBase) HasParams() bool { return l.filtShape != nil }

func (l *layerBase) Type() string { return l.name }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) FilterShape() []int { return l.filtShape }

func (l *layerBase) BiasShape() []int { return l.biasShape }

func (l *layerBase) bpropFilter(threads int) {}

func (l *layerBase) bpropBias(threads int) {}

// convolution layer using im2col and gemm for each sample in the batch
type convLayer struct {
	layerBase
	depth, height, width int
	nFeats, size         int
	stride, pad          int
	outH, outW           int
	cols                 [][]float32
	work                 [][]float32
}

// ConvLayer creates a new 2d convolution layer with nFeats filters of size x size applied with the given stride
// to an input of shape [nBatch, depth, h, w]. Input is zero padded by pad pixels on each edge.
func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	if stride < 1 {
		stride = 1
	}
	outH := (h+2*pad-size)/stride + 1
	outW := (w+2*pad-size)/stride + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("ConvLayer: filter size %d too large for %dx%d input", size, h, w))
	}
	l := &convLayer{
		layerBase: newLayerBase("conv", []int{nBatch, depth, h, w}, []int{nBatch, nFeats, outH, outW}),
		depth:     depth, height: h, width: w,
		nFeats: nFeats, size: size,
		stride: stride, pad: pad,
		outH: outH, outW: outW,
	}
	l.filtShape = []int{nFeats, depth * size * size}
	l.biasShape = []int{nFeats}
	l.cols = make([][]float32, nBatch)
	for i := range l.cols {
		l.cols[i] = make([]float32, l.colRows()*outH*outW)
	}
	return l
}

func (l *convLayer) colRows() int { return l.depth * l.size * l.size }

func (l *convLayer) workspace(threads, size int) [][]float32 {
	if len(l.work) < threads || len(l.work[0]) < size {
		if len(l.work) > 0 && len(l.work[0]) > size {
			size = len(l.work[0])
		}
		l.work = make([][]float32, threads)
		for i := range l.work {
			l.work[i] = make([]float32, size)
		}
	}
	return l.work
}

// unpack image patches for one sample into columns
func (l *convLayer) im2col(in, col []float32) {
	k, plane, npos := l.size, l.height*l.width, l.outH*l.outW
	for c := 0; c < l.depth; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*npos:]
				for oy := 0; oy < l.outH; oy++ {
					y := oy*l.stride - l.pad + ky
					for ox := 0; ox < l.outW; ox++ {
						x := ox*l.stride - l.pad + kx
						if y < 0 || y >= l.height || x < 0 || x >= l.width {
							row[oy*l.outW+ox] = 0
						} else {
							row[oy*l.outW+ox] = in[c*plane+y*l.width+x]
						}
					}
				}
			}
		}
	}
}

// accumulate columns back into image format for one sample
func (l *convLayer) col2im(col, out []float32) {
	for i := range out {
		out[i] = 0
	}
	k, plane, npos := l.size, l.height*l.width, l.outH*l.outW
	for c := 0; c < l.depth; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*npos:]
				for oy := 0; oy < l.outH; oy++ {
					y := oy*l.stride - l.pad + ky
					if y < 0 || y >= l.height {
						continue
					}
					for ox := 0; ox < l.outW; ox++ {
						x := ox*l.stride - l.pad + kx
						if x >= 0 && x < l.width {
							out[c*plane+y*l.width+x] += row[oy*l.outW+ox]
						}
					}
				}
			}
		}
	}
}

func (l *convLayer) fprop(threads int) {
	in, out := l.src.Float32s(), l.dst.Float32s()
	bias := l.b.Float32s()
	inSize, outSize, npos := Prod(l.inShape[1:]), Prod(l.outShape[1:]), l.outH*l.outW
	filter := mat(l.nFeats, l.colRows(), l.w.Float32s())
	parallel(threads, l.inShape[0], func(worker, start, end int) {
		for n := start; n < end; n++ {
			col := l.cols[n]
			l.im2col(in[n*inSize:(n+1)*inSize], col)
			res := out[n*outSize : (n+1)*outSize]
			for f := 0; f < l.nFeats; f++ {
				for i := f * npos; i < (f+1)*npos; i++ {
					res[i] = bias[f]
				}
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, filter, mat(l.colRows(), npos, col), 1, mat(l.nFeats, npos, res))
		}
	})
}

func (l *convLayer) bpropData(threads int) {
	grad, dsrc := l.diffDst.Float32s(), l.diffSrc.Float32s()
	inSize, outSize, npos := Prod(l.inShape[1:]), Prod(l.outShape[1:]), l.outH*l.outW
	filter := mat(l.nFeats, l.colRows(), l.w.Float32s())
	work := l.workspace(threads, l.colRows()*npos)
	parallel(threads, l.inShape[0], func(worker, start, end int) {
		dcol := work[worker][:l.colRows()*npos]
		for n := start; n < end; n++ {
			g := mat(l.nFeats, npos, grad[n*outSize:(n+1)*outSize])
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, filter, g, 0, mat(l.colRows(), npos, dcol))
			l.col2im(dcol, dsrc[n*inSize:(n+1)*inSize])
		}
	})
}

func (l *convLayer) bpropFilter(threads int) {
	grad := l.diffDst.Float32s()
	outSize, npos := Prod(l.outShape[1:]), l.outH*l.outW
	fsize := l.nFeats * l.colRows()
	work := l.workspace(threads, fsize)
	used := make([]bool, threads)
	parallel(threads, l.inShape[0], func(worker, start, end int) {
		used[worker] = true
		part := mat(l.nFeats, l.colRows(), work[worker][:fsize])
		for i := range part.Data {
			part.Data[i] = 0
		}
		for n := start; n < end; n++ {
			g := mat(l.nFeats, npos, grad[n*outSize:(n+1)*outSize])
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, mat(l.colRows(), npos, l.cols[n]), 1, part)
		}
	})
	dw := l.dw.Float32s()
	for i := range dw {
		dw[i] = 0
	}
	for w, ok := range used {
		if ok {
			for i, v := range work[w][:fsize] {
				dw[i] += v
			}
		}
	}
}

func (l *convLayer) bpropBias(threads int) {
	grad, db := l.diffDst.Float32s(), l.db.Float32s()
	outSize, npos := Prod(l.outShape[1:]), l.outH*l.outW
	for f := range db {
		db[f] = 0
	}
	for n := 0; n < l.inShape[0]; n++ {
		g := grad[n*outSize : (n+1)*outSize]
		for f := 0; f < l.nFeats; f++ {
			var sum float32
			for _, v := range g[f*npos : (f+1)*npos] {
				sum += v
			}
			db[f] += sum
		}
	}
}

// max pooling layer, the index of the maximum input for each output is saved for back propagation
type poolLayer struct {
	layerBase
	size, stride int
	mask         []int32
}

// MaxPoolLayer creates a max pooling layer of size x size windows with the given stride for an input of shape
// [nBatch, depth, h, w]. Output size is rounded down if the window does not fit exactly.
func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	return newPoolLayer(inShape, size, stride)
}

func newPoolLayer(inShape []int, size, stride int) *poolLayer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	n, c, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	outH, outW := (h-size)/stride+1, (w-size)/stride+1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("MaxPoolLayer: pool size %d too large for %dx%d input", size, h, w))
	}
	outShape := []int{n, c, outH, outW}
	return &poolLayer{
		layerBase: newLayerBase("maxPool", inShape, outShape),
		size:      size,
		stride:    stride,
		mask:      make([]int32, Prod(outShape)),
	}
}

func (l *poolLayer) fprop(threads int) {
	in, out := l.src.Float32s(), l.dst.Float32s()
	h, w := l.inShape[2], l.inShape[3]
	outH, outW := l.outShape[2], l.outShape[3]
	planes := l.inShape[0] * l.inShape[1]
	parallel(threads, planes, func(worker, start, end int) {
		for p := start; p < end; p++ {
			src := in[p*h*w : (p+1)*h*w]
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := (oy*l.stride)*w + ox*l.stride
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							ix := (oy*l.stride+ky)*w + ox*l.stride + kx
							if src[ix] > src[best] {
								best = ix
							}
						}
					}
					o := p*outH*outW + oy*outW + ox
					out[o] = src[best]
					l.mask[o] = int32(p*h*w + best)
				}
			}
		}
	})
}

func (l *poolLayer) bpropData(threads int) {
	grad, dsrc := l.diffDst.Float32s(), l.diffSrc.Float32s()
	for i := range dsrc {
		dsrc[i] = 0
	}
	for o, ix := range l.mask {
		dsrc[ix] += grad[o]
	}
}

func mat(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

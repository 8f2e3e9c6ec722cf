// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType = blas.Transpose

const (
	NoTrans TransType = blas.NoTrans
	Trans   TransType = blas.Trans
)

// Function which may be called via the queue
type Function struct {
	desc string
	call func(threads int)
}

func (f Function) String() string { return f.desc }

func args(desc string, call func(threads int)) Function {
	return Function{desc: desc, call: call}
}

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return args("read", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(d, a.Float32s())
		case []int32:
			copy(d, a.Int32s())
		default:
			panic(fmt.Sprintf("Read: invalid data type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return args("write", func(int) {
		switch d := data.(type) {
		case []float32:
			copy(a.Float32s(), d)
		case []int32:
			copy(a.Int32s(), d)
		default:
			panic(fmt.Sprintf("Write: invalid data type %T", data))
		}
	})
}

// Write to one row in the array
func WriteRow(a Array, row int, data []float32) Function {
	dims := a.Dims()
	if len(dims) != 2 {
		panic("WriteRow: must be a matrix")
	}
	if row < 0 || row >= dims[0] {
		panic("WriteRow: row out of range")
	}
	return args("write_row", func(int) {
		copy(a.Float32s()[row*dims[1]:(row+1)*dims[1]], data)
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		if a.Dtype() == Int32 {
			d := a.Int32s()
			for i := range d {
				d[i] = int32(scalar)
			}
			return
		}
		d := a.Float32s()
		for i := range d {
			d[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	switch {
	case SameShape(ddim, sdim):
		return args("copy", func(int) {
			if src.Dtype() == Int32 {
				copy(dst.Int32s(), src.Int32s())
			} else {
				copy(dst.Float32s(), src.Float32s())
			}
		})
	case len(ddim) >= 2 && src.Size() == Prod(ddim[1:]) && src.Dtype() == Float32:
		return args("tile", func(int) {
			s, d := src.Float32s(), dst.Float32s()
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*len(s):], s)
			}
		})
	default:
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func(int) {
		xd, yd, rd := x.Int32s(), y.Int32s(), res.Int32s()
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[0] || ydim[1] != classes {
		panic("Onehot: invalid array shape")
	}
	return args("onehot", func(int) {
		xd, yd := x.Int32s(), y.Float32s()
		for i := range yd {
			yd[i] = 0
		}
		for row, label := range xd {
			if label >= 0 && int(label) < classes {
				yd[row*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[0] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return args("unhot", func(int) {
		xd, yd := x.Float32s(), y.Int32s()
		cols := xdim[1]
		for row := range yd {
			vals := xd[row*cols : (row+1)*cols]
			best := 0
			for i, v := range vals {
				if v > vals[best] {
					best = i
				}
			}
			yd[row] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return args("scale", func(int) {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func(int) {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.Int32s() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.Float32s() {
				sum += float64(v)
			}
		}
		total.Float32s()[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	return args("gemv", func(int) {
		blas32.Gemv(aTrans, alpha, general(mA), vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		blas32.Gemm(aTrans, bTrans, alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, func(v float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	})
}

// SigmoidD back propagates grad through a sigmoid given its output y.
func SigmoidD(y, grad, res Array) Function {
	return binaryFunc("sigmoid_d", y, grad, res, func(y, g float32) float32 {
		return g * y * (1 - y)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	})
}

// TanhD back propagates grad through a tanh given its output y.
func TanhD(y, grad, res Array) Function {
	return binaryFunc("tanh_d", y, grad, res, func(y, g float32) float32 {
		return g * (1 - y*y)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// ReluD back propagates grad through a relu given its input x.
func ReluD(x, grad, res Array) Function {
	return binaryFunc("relu_d", x, grad, res, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Softmax activation function applied to each row of x
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	return args("softmax", func(int) {
		cols := xdim[1]
		xd, rd := x.Float32s(), res.Float32s()
		for row := 0; row < xdim[0]; row++ {
			in, out := xd[row*cols:(row+1)*cols], rd[row*cols:(row+1)*cols]
			xmax := in[0]
			for _, v := range in[1:] {
				if v > xmax {
					xmax = v
				}
			}
			var sum float64
			for i, v := range in {
				e := math.Exp(float64(v - xmax))
				out[i] = float32(e)
				sum += e
			}
			for i := range out {
				out[i] = float32(float64(out[i]) / sum)
			}
		}
	})
}

// SoftmaxD back propagates grad through a softmax given its output y.
func SoftmaxD(y, grad, res Array) Function {
	if !SameShape(y.Dims(), grad.Dims()) || !SameShape(y.Dims(), res.Dims()) || len(y.Dims()) != 2 {
		panic("SoftmaxD: arrays must be 2d and same shape")
	}
	return args("softmax_d", func(int) {
		cols := y.Dims()[1]
		yd, gd, rd := y.Float32s(), grad.Float32s(), res.Float32s()
		for row := 0; row < y.Dims()[0]; row++ {
			yr, gr, rr := yd[row*cols:(row+1)*cols], gd[row*cols:(row+1)*cols], rd[row*cols:(row+1)*cols]
			var dot float32
			for i := range yr {
				dot += yr[i] * gr[i]
			}
			for i := range yr {
				rr[i] = yr[i] * (gr[i] - dot)
			}
		}
	})
}

// Clip value used for predicted probabilities in the cross entropy loss
const Epsilon = 1e-7

// CrossEntropyLoss calculates the categorical cross entropy for each row of yPred given the one hot targets.
// Predictions are normalised to sum to one and clipped to [Epsilon, 1-Epsilon]. The gradient with respect to
// yPred multiplied by scale is written to grad.
func CrossEntropyLoss(yOneHot, yPred, loss, grad Array, scale float32) Function {
	checkLoss("CrossEntropyLoss", yOneHot, yPred, loss, grad)
	return args("crossentropy_loss", func(int) {
		cols := yPred.Dims()[1]
		td, yd, ld, gd := yOneHot.Float32s(), yPred.Float32s(), loss.Float32s(), grad.Float32s()
		for row := range ld {
			t, y, g := td[row*cols:(row+1)*cols], yd[row*cols:(row+1)*cols], gd[row*cols:(row+1)*cols]
			var sum, tsum float64
			for i := range y {
				sum += float64(y[i])
				tsum += float64(t[i])
			}
			if sum <= 0 {
				sum = Epsilon
			}
			var l float64
			for i := range y {
				p := math.Min(math.Max(float64(y[i])/sum, Epsilon), 1-Epsilon)
				l -= float64(t[i]) * math.Log(p)
				yv := math.Max(float64(y[i]), 1e-30)
				g[i] = scale * float32(-float64(t[i])/yv+tsum/sum)
			}
			ld[row] = float32(l)
		}
	})
}

// QuadraticLoss calculates the mean squared error for each row and the gradient multiplied by scale.
func QuadraticLoss(yOneHot, yPred, loss, grad Array, scale float32) Function {
	checkLoss("QuadraticLoss", yOneHot, yPred, loss, grad)
	return args("quad_loss", func(int) {
		cols := yPred.Dims()[1]
		td, yd, ld, gd := yOneHot.Float32s(), yPred.Float32s(), loss.Float32s(), grad.Float32s()
		for row := range ld {
			var l float32
			for i := row * cols; i < (row+1)*cols; i++ {
				diff := yd[i] - td[i]
				l += diff * diff
				gd[i] = scale * 2 * diff / float32(cols)
			}
			ld[row] = l / float32(cols)
		}
	})
}

func checkLoss(name string, yOneHot, yPred, loss, grad Array) {
	ydim := yPred.Dims()
	if len(ydim) != 2 || !SameShape(ydim, yOneHot.Dims()) || !SameShape(ydim, grad.Dims()) {
		panic(name + ": arrays must be 2d and same shape")
	}
	if ldim := loss.Dims(); len(ldim) != 1 || ldim[0] != ydim[0] {
		panic(name + ": loss must be a vector with one entry per row")
	}
}

// Dropout sets y to x with a fraction ratio of elements zeroed and the remainder scaled by 1/(1-ratio).
// The scale factor applied to each element is saved in mask.
func Dropout(x, y, mask Array, ratio float32, rng *rand.Rand) Function {
	if !SameShape(x.Dims(), y.Dims()) || !SameShape(x.Dims(), mask.Dims()) {
		panic("Dropout: arrays must be same shape")
	}
	if ratio < 0 || ratio >= 1 {
		panic("Dropout: ratio must be in range [0, 1)")
	}
	return args("dropout", func(int) {
		xd, yd, md := x.Float32s(), y.Float32s(), mask.Float32s()
		keep := 1 / (1 - ratio)
		for i := range xd {
			if rng.Float32() >= ratio {
				md[i] = keep
			} else {
				md[i] = 0
			}
			yd[i] = xd[i] * md[i]
		}
	})
}

// DropoutD back propagates grad through a dropout layer using the saved mask.
func DropoutD(grad, mask, res Array) Function {
	return binaryFunc("dropout_d", grad, mask, res, func(g, m float32) float32 {
		return g * m
	})
}

// Adam optimiser update step t (starting from 1) for weights w with gradient dw.
// m and v hold the first and second moment estimates.
func Adam(w, dw, m, v Array, learningRate, beta1, beta2, eps float32, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	return args("adam", func(int) {
		b1, b2 := float64(beta1), float64(beta2)
		lr := float32(float64(learningRate) * math.Sqrt(1-math.Pow(b2, float64(t))) / (1 - math.Pow(b1, float64(t))))
		wd, gd, md, vd := w.Float32s(), dw.Float32s(), m.Float32s(), v.Float32s()
		for i, g := range gd {
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			wd[i] -= lr * md[i] / (float32(math.Sqrt(float64(vd[i]))) + eps)
		}
	})
}

func unaryFunc(desc string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return args(desc, func(int) {
		xd, yd := x.Float32s(), y.Float32s()
		for i, v := range xd {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(desc string, x, y, z Array, fn func(x, y float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return args(desc, func(int) {
		xd, yd, zd := x.Float32s(), y.Float32s(), z.Float32s()
		for i := range zd {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}

func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: a.Float32s()}
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Float32s()}
}

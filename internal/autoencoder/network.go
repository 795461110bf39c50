package autoencoder

import (
	"math"
	"math/rand"
)

// Adam optimizer constants.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// denseLayer is one fully connected layer with optional rectified-linear
// activation and per-parameter Adam moment estimates.
type denseLayer struct {
	In   int         `json:"in"`
	Out  int         `json:"out"`
	W    [][]float64 `json:"w"` // [out][in]
	B    []float64   `json:"b"`
	ReLU bool        `json:"relu"`

	// Adam first/second moments and gradient accumulators. Not persisted.
	mW, vW, gW [][]float64
	mB, vB, gB []float64
}

func newDenseLayer(in, out int, relu bool, rng *rand.Rand) *denseLayer {
	l := &denseLayer{In: in, Out: out, ReLU: relu}
	limit := math.Sqrt(6 / float64(in+out))
	l.W = make([][]float64, out)
	for o := 0; o < out; o++ {
		l.W[o] = make([]float64, in)
		for i := 0; i < in; i++ {
			l.W[o][i] = (rng.Float64()*2 - 1) * limit
		}
	}
	l.B = make([]float64, out)
	l.initState()
	return l
}

// initState allocates optimizer and gradient buffers. Called after
// construction and after deserialization.
func (l *denseLayer) initState() {
	l.mW = zeroMatrix(l.Out, l.In)
	l.vW = zeroMatrix(l.Out, l.In)
	l.gW = zeroMatrix(l.Out, l.In)
	l.mB = make([]float64, l.Out)
	l.vB = make([]float64, l.Out)
	l.gB = make([]float64, l.Out)
}

// forward computes the pre-activation and activated outputs for one sample.
func (l *denseLayer) forward(x []float64) (pre, act []float64) {
	pre = make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		sum := l.B[o]
		row := l.W[o]
		for i, xi := range x {
			sum += row[i] * xi
		}
		pre[o] = sum
	}
	if !l.ReLU {
		return pre, pre
	}
	act = make([]float64, l.Out)
	for o, p := range pre {
		if p > 0 {
			act[o] = p
		}
	}
	return pre, act
}

// backward accumulates parameter gradients for one sample and returns the
// gradient with respect to the layer input. dAct is the gradient with
// respect to the activated output; pre and input come from forward.
func (l *denseLayer) backward(dAct, pre, input []float64) []float64 {
	dIn := make([]float64, l.In)
	for o := 0; o < l.Out; o++ {
		d := dAct[o]
		if l.ReLU && pre[o] <= 0 {
			continue
		}
		l.gB[o] += d
		gRow := l.gW[o]
		wRow := l.W[o]
		for i, xi := range input {
			gRow[i] += d * xi
			dIn[i] += wRow[i] * d
		}
	}
	return dIn
}

// zeroGrad clears the accumulated gradients before a new mini-batch.
func (l *denseLayer) zeroGrad() {
	for o := 0; o < l.Out; o++ {
		for i := 0; i < l.In; i++ {
			l.gW[o][i] = 0
		}
		l.gB[o] = 0
	}
}

// step applies one Adam update using gradients averaged over batchSize
// samples. t is the global 1-based optimizer step for bias correction.
func (l *denseLayer) step(lr float64, batchSize, t int) {
	inv := 1 / float64(batchSize)
	c1 := 1 - math.Pow(adamBeta1, float64(t))
	c2 := 1 - math.Pow(adamBeta2, float64(t))
	for o := 0; o < l.Out; o++ {
		for i := 0; i < l.In; i++ {
			g := l.gW[o][i] * inv
			l.mW[o][i] = adamBeta1*l.mW[o][i] + (1-adamBeta1)*g
			l.vW[o][i] = adamBeta2*l.vW[o][i] + (1-adamBeta2)*g*g
			l.W[o][i] -= lr * (l.mW[o][i] / c1) / (math.Sqrt(l.vW[o][i]/c2) + adamEpsilon)
		}
		g := l.gB[o] * inv
		l.mB[o] = adamBeta1*l.mB[o] + (1-adamBeta1)*g
		l.vB[o] = adamBeta2*l.vB[o] + (1-adamBeta2)*g*g
		l.B[o] -= lr * (l.mB[o] / c1) / (math.Sqrt(l.vB[o]/c2) + adamEpsilon)
	}
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

// dropoutMask builds an inverted-dropout mask: dropped units are zero, kept
// units are scaled by 1/(1-rate) so inference needs no rescaling.
func dropoutMask(n int, rate float64, rng *rand.Rand) []float64 {
	mask := make([]float64, n)
	keep := 1 - rate
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = 1 / keep
		}
	}
	return mask
}

// MeanSquaredError returns the mean squared difference between two
// equal-width rows.
func MeanSquaredError(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

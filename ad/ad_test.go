package ad

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

const tol = 1e-6

func almostEqual(t *testing.T, name string, got, want, tolerance float64) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > tolerance {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestElementwiseValues(t *testing.T) {
	a := Vector(1, 2, 3)
	b := Vector(4, 5, 6)

	sum := Add(a, b)
	for i, want := range []float64{5, 7, 9} {
		almostEqual(t, "Add", sum.At(i), want, tol)
	}

	prod := Mul(a, b)
	for i, want := range []float64{4, 10, 18} {
		almostEqual(t, "Mul", prod.At(i), want, tol)
	}

	th := Tanh(a)
	for i := 0; i < 3; i++ {
		almostEqual(t, "Tanh", th.At(i), math.Tanh(a.At(i)), tol)
	}

	e := Exp(Neg(a))
	for i := 0; i < 3; i++ {
		almostEqual(t, "Exp(Neg)", e.At(i), math.Exp(-a.At(i)), tol)
	}
}

func TestMatVecValue(t *testing.T) {
	w := Matrix(2, 3, []float64{1, 2, 3, 4, 5, 6})
	x := Vector(1, 0, -1)

	y := MatVec(w, x)
	almostEqual(t, "MatVec[0]", y.At(0), -2, tol)
	almostEqual(t, "MatVec[1]", y.At(1), -2, tol)

	z := MatTVec(w, Vector(1, 1))
	for i, want := range []float64{5, 7, 9} {
		almostEqual(t, "MatTVec", z.At(i), want, tol)
	}
}

func TestStructuralOps(t *testing.T) {
	a := Vector(1, 2, 3, 4)

	s := SliceVec(a, 1, 3)
	if s.Len() != 2 || s.At(0) != 2 || s.At(1) != 3 {
		t.Fatalf("SliceVec = %v", s.Data())
	}

	p := Permute(a, []int{3, 2, 1, 0})
	for i, want := range []float64{4, 3, 2, 1} {
		almostEqual(t, "Permute", p.At(i), want, tol)
	}

	c := Concat(Vector(1), Vector(2, 3))
	if c.Len() != 3 || c.At(2) != 3 {
		t.Fatalf("Concat = %v", c.Data())
	}
}

// gradAgainstFD checks Grad against gonum's finite differences for a scalar
// function of a single vector input.
func gradAgainstFD(t *testing.T, name string, f func(*Value) *Value, x []float64) {
	t.Helper()

	xv := Vector(x...)
	out := f(xv)
	grads := Grad(out, xv)

	want := fd.Gradient(nil, func(p []float64) float64 {
		return f(Vector(p...)).Scalar()
	}, x, nil)

	for i := range x {
		if math.Abs(grads[0].At(i)-want[i]) > 1e-5 {
			t.Errorf("%s: grad[%d] = %v, fd = %v", name, i, grads[0].At(i), want[i])
		}
	}
}

func TestGradMatchesFiniteDifferences(t *testing.T) {
	w := Matrix(3, 3, []float64{0.5, -0.2, 0.1, 0.3, 0.8, -0.4, -0.1, 0.2, 0.6})

	gradAgainstFD(t, "sum tanh(Wx)", func(x *Value) *Value {
		return Sum(Tanh(MatVec(w, x)))
	}, []float64{0.3, -0.7, 1.1})

	gradAgainstFD(t, "dot/exp", func(x *Value) *Value {
		return Dot(Exp(x), x)
	}, []float64{0.1, 0.2, -0.3})

	gradAgainstFD(t, "log sum", func(x *Value) *Value {
		return Log(Sum(Mul(x, x)))
	}, []float64{1.5, -2.0, 0.5})

	gradAgainstFD(t, "slice/concat/permute", func(x *Value) *Value {
		y := Concat(SliceVec(x, 1, 3), SliceVec(x, 0, 1))
		return Sum(Mul(Permute(y, []int{2, 0, 1}), y))
	}, []float64{0.4, -0.6, 0.9})
}

func TestGradWithRespectToWeights(t *testing.T) {
	x := Vector(1.0, -0.5)
	wData := []float64{0.2, 0.4, -0.3, 0.1}
	w := Matrix(2, 2, wData)

	out := Sum(Tanh(MatVec(w, x)))
	grads := Grad(out, w)

	want := fd.Gradient(nil, func(p []float64) float64 {
		return Sum(Tanh(MatVec(Matrix(2, 2, p), x))).Scalar()
	}, wData, nil)

	for i := range wData {
		if math.Abs(grads[0].Data()[i]-want[i]) > 1e-5 {
			t.Errorf("dW[%d] = %v, fd = %v", i, grads[0].Data()[i], want[i])
		}
	}
}

func TestSecondOrderGrad(t *testing.T) {
	// f(x) = x^3: f' = 3x^2, f'' = 6x.
	x := Vector(1.7)
	f := Mul(Mul(x, x), x)

	g1 := Grad(Sum(f), x)[0]
	almostEqual(t, "f'", g1.At(0), 3*1.7*1.7, 1e-9)

	g2 := Grad(Sum(g1), x)[0]
	almostEqual(t, "f''", g2.At(0), 6*1.7, 1e-9)
}

func TestSecondOrderThroughJacobianTrace(t *testing.T) {
	// The divergence of f(x) = W tanh(x) is sum_i W_ii (1 - tanh(x_i)^2).
	// Differentiating the divergence with respect to W must give the
	// diagonal factors, which requires a gradient of a gradient.
	wData := []float64{0.5, -0.2, 0.3, 0.8}
	w := Matrix(2, 2, wData)
	x := Vector(0.4, -1.2)

	fx := MatVec(w, Tanh(x))
	div := Scalar(0)
	for i := 0; i < 2; i++ {
		gi := Grad(Index(fx, i), x)[0]
		div = Add(div, Index(gi, i))
	}

	wantDiv := 0.0
	for i := 0; i < 2; i++ {
		th := math.Tanh(x.At(i))
		wantDiv += wData[i*2+i] * (1 - th*th)
	}
	almostEqual(t, "divergence", div.Scalar(), wantDiv, 1e-9)

	dDivDW := Grad(div, w)[0]
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				th := math.Tanh(x.At(i))
				want = 1 - th*th
			}
			got := dDivDW.Data()[i*2+j]
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("d div / dW[%d,%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestGradUnreachedInputIsZero(t *testing.T) {
	x := Vector(1, 2)
	y := Vector(3, 4)
	out := Sum(x)

	grads := Grad(out, x, y)
	if grads[1].Len() != 2 {
		t.Fatalf("zero gradient has wrong shape")
	}
	for i := 0; i < 2; i++ {
		almostEqual(t, "dy", grads[1].At(i), 0, 0)
		almostEqual(t, "dx", grads[0].At(i), 1, 0)
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Add with mismatched shapes did not panic")
		}
	}()
	Add(Vector(1, 2), Vector(1, 2, 3))
}

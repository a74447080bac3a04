// Package ad implements reverse-mode automatic differentiation over small
// dense vectors and matrices.
//
// Values are evaluated eagerly: every operation computes its result
// immediately and records how to propagate gradients back to its inputs.
// Crucially, the backward pass of Grad is itself expressed in terms of these
// operations, so gradients are ordinary values and Grad composes, giving
// second and higher derivatives. Continuous flows rely on this: the
// divergence of a learned vector field is a gradient, and training
// differentiates through it again.
//
// Shapes are validated at call time and mismatches panic, mirroring gonum's
// convention for programmer errors.
package ad

import (
	"fmt"
	"math"
)

// Value is a node on the computation tape. A Value is either a column vector
// (cols == 1) or a matrix; scalars are 1-element vectors.
type Value struct {
	data       []float64
	rows, cols int
	inputs     []*Value
	// vjp maps the adjoint of this node to adjoints of its inputs. The
	// returned values are built with the package's own operations so that
	// differentiating a gradient works. nil marks a leaf.
	vjp func(g *Value) []*Value
}

func newValue(data []float64, rows, cols int, inputs []*Value, vjp func(*Value) []*Value) *Value {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("ad: data length %d does not match shape %dx%d", len(data), rows, cols))
	}
	return &Value{data: data, rows: rows, cols: cols, inputs: inputs, vjp: vjp}
}

// Scalar returns a leaf holding a single value.
func Scalar(v float64) *Value {
	return newValue([]float64{v}, 1, 1, nil, nil)
}

// Vector returns a leaf column vector. The slice is copied.
func Vector(data ...float64) *Value {
	if len(data) == 0 {
		panic("ad: empty vector")
	}
	d := make([]float64, len(data))
	copy(d, data)
	return newValue(d, len(data), 1, nil, nil)
}

// Matrix returns a leaf rows x cols matrix in row-major order. The slice is
// copied.
func Matrix(rows, cols int, data []float64) *Value {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("ad: invalid matrix shape %dx%d", rows, cols))
	}
	d := make([]float64, len(data))
	copy(d, data)
	return newValue(d, rows, cols, nil, nil)
}

// Zeros returns a leaf of zeros with the given shape.
func Zeros(rows, cols int) *Value {
	return newValue(make([]float64, rows*cols), rows, cols, nil, nil)
}

func onesLike(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = 1
	}
	return newValue(d, a.rows, a.cols, nil, nil)
}

// Data returns the backing slice of the value. For leaves this is live:
// optimizers mutate it in place between tape constructions.
func (v *Value) Data() []float64 { return v.data }

// Len returns the number of elements.
func (v *Value) Len() int { return len(v.data) }

// Rows returns the number of rows.
func (v *Value) Rows() int { return v.rows }

// Cols returns the number of columns.
func (v *Value) Cols() int { return v.cols }

// IsScalar reports whether the value holds a single element.
func (v *Value) IsScalar() bool { return len(v.data) == 1 }

// Scalar returns the single element of a scalar value.
func (v *Value) Scalar() float64 {
	if !v.IsScalar() {
		panic(fmt.Sprintf("ad: Scalar() on %dx%d value", v.rows, v.cols))
	}
	return v.data[0]
}

// At returns the i-th element of a vector.
func (v *Value) At(i int) float64 { return v.data[i] }

func sameShape(op string, a, b *Value) {
	if a.rows != b.rows || a.cols != b.cols {
		panic(fmt.Sprintf("ad: %s shape mismatch: %dx%d vs %dx%d", op, a.rows, a.cols, b.rows, b.cols))
	}
}

func vectorOnly(op string, a *Value) {
	if a.cols != 1 {
		panic(fmt.Sprintf("ad: %s requires a vector, got %dx%d", op, a.rows, a.cols))
	}
}

//======================================================================================================================
// Elementwise operations
//======================================================================================================================

// Add returns a + b elementwise.
func Add(a, b *Value) *Value {
	sameShape("Add", a, b)
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = a.data[i] + b.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{a, b}, func(g *Value) []*Value {
		return []*Value{g, g}
	})
}

// Sub returns a - b elementwise.
func Sub(a, b *Value) *Value {
	sameShape("Sub", a, b)
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = a.data[i] - b.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{a, b}, func(g *Value) []*Value {
		return []*Value{g, Neg(g)}
	})
}

// Neg returns -a.
func Neg(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = -a.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Neg(g)}
	})
}

// Scale returns c*a for a constant c.
func Scale(a *Value, c float64) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = c * a.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Scale(g, c)}
	})
}

// Shift returns a + c elementwise for a constant c.
func Shift(a *Value, c float64) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = a.data[i] + c
	}
	return newValue(d, a.rows, a.cols, []*Value{a}, func(g *Value) []*Value {
		return []*Value{g}
	})
}

// Mul returns the Hadamard (elementwise) product a*b.
func Mul(a, b *Value) *Value {
	sameShape("Mul", a, b)
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = a.data[i] * b.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{a, b}, func(g *Value) []*Value {
		return []*Value{Mul(g, b), Mul(g, a)}
	})
}

// Recip returns 1/a elementwise.
func Recip(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = 1 / a.data[i]
	}
	out := newValue(d, a.rows, a.cols, []*Value{a}, nil)
	out.vjp = func(g *Value) []*Value {
		return []*Value{Neg(Mul(g, Mul(out, out)))}
	}
	return out
}

// Exp returns exp(a) elementwise.
func Exp(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = math.Exp(a.data[i])
	}
	out := newValue(d, a.rows, a.cols, []*Value{a}, nil)
	out.vjp = func(g *Value) []*Value {
		return []*Value{Mul(g, out)}
	}
	return out
}

// Log returns log(a) elementwise.
func Log(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = math.Log(a.data[i])
	}
	return newValue(d, a.rows, a.cols, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Mul(g, Recip(a))}
	})
}

// Tanh returns tanh(a) elementwise.
func Tanh(a *Value) *Value {
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = math.Tanh(a.data[i])
	}
	out := newValue(d, a.rows, a.cols, []*Value{a}, nil)
	out.vjp = func(g *Value) []*Value {
		// d tanh = 1 - tanh^2
		return []*Value{Mul(g, Sub(onesLike(out), Mul(out, out)))}
	}
	return out
}

//======================================================================================================================
// Linear algebra
//======================================================================================================================

// MatVec returns w*x for a rows x cols matrix w and a cols-vector x.
func MatVec(w, x *Value) *Value {
	vectorOnly("MatVec", x)
	if w.cols != x.rows {
		panic(fmt.Sprintf("ad: MatVec shape mismatch: %dx%d * %d", w.rows, w.cols, x.rows))
	}
	d := make([]float64, w.rows)
	for i := 0; i < w.rows; i++ {
		row := w.data[i*w.cols : (i+1)*w.cols]
		var s float64
		for j, xv := range x.data {
			s += row[j] * xv
		}
		d[i] = s
	}
	return newValue(d, w.rows, 1, []*Value{w, x}, func(g *Value) []*Value {
		return []*Value{Outer(g, x), MatTVec(w, g)}
	})
}

// MatTVec returns wᵀ*x for a rows x cols matrix w and a rows-vector x.
func MatTVec(w, x *Value) *Value {
	vectorOnly("MatTVec", x)
	if w.rows != x.rows {
		panic(fmt.Sprintf("ad: MatTVec shape mismatch: (%dx%d)ᵀ * %d", w.rows, w.cols, x.rows))
	}
	d := make([]float64, w.cols)
	for i := 0; i < w.rows; i++ {
		row := w.data[i*w.cols : (i+1)*w.cols]
		xi := x.data[i]
		for j := range row {
			d[j] += row[j] * xi
		}
	}
	return newValue(d, w.cols, 1, []*Value{w, x}, func(g *Value) []*Value {
		return []*Value{Outer(x, g), MatVec(w, g)}
	})
}

// Outer returns the outer product u vᵀ as a len(u) x len(v) matrix.
func Outer(u, v *Value) *Value {
	vectorOnly("Outer", u)
	vectorOnly("Outer", v)
	d := make([]float64, u.rows*v.rows)
	for i, uv := range u.data {
		for j, vv := range v.data {
			d[i*v.rows+j] = uv * vv
		}
	}
	return newValue(d, u.rows, v.rows, []*Value{u, v}, func(g *Value) []*Value {
		return []*Value{MatVec(g, v), MatTVec(g, u)}
	})
}

// Dot returns the scalar inner product of two vectors.
func Dot(a, b *Value) *Value {
	vectorOnly("Dot", a)
	vectorOnly("Dot", b)
	sameShape("Dot", a, b)
	var s float64
	for i := range a.data {
		s += a.data[i] * b.data[i]
	}
	return newValue([]float64{s}, 1, 1, []*Value{a, b}, func(g *Value) []*Value {
		return []*Value{SMul(g, b), SMul(g, a)}
	})
}

// SMul returns s*a where s is a scalar value.
func SMul(s, a *Value) *Value {
	if !s.IsScalar() {
		panic("ad: SMul requires a scalar multiplier")
	}
	c := s.data[0]
	d := make([]float64, len(a.data))
	for i := range d {
		d[i] = c * a.data[i]
	}
	return newValue(d, a.rows, a.cols, []*Value{s, a}, func(g *Value) []*Value {
		n := len(a.data)
		return []*Value{
			Dot(Reshape(g, n, 1), Reshape(a, n, 1)),
			SMul(s, g),
		}
	})
}

//======================================================================================================================
// Structural operations
//======================================================================================================================

// Sum returns the scalar sum of all elements.
func Sum(a *Value) *Value {
	var s float64
	for _, v := range a.data {
		s += v
	}
	return newValue([]float64{s}, 1, 1, []*Value{a}, func(g *Value) []*Value {
		return []*Value{SMul(g, onesLike(a))}
	})
}

// Index returns the i-th element of a vector as a scalar.
func Index(a *Value, i int) *Value {
	vectorOnly("Index", a)
	if i < 0 || i >= a.rows {
		panic(fmt.Sprintf("ad: Index %d out of range [0,%d)", i, a.rows))
	}
	return newValue([]float64{a.data[i]}, 1, 1, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Scatter(g, i, a.rows)}
	})
}

// Scatter embeds a scalar at position i of an otherwise-zero n-vector.
func Scatter(s *Value, i, n int) *Value {
	if !s.IsScalar() {
		panic("ad: Scatter requires a scalar")
	}
	if i < 0 || i >= n {
		panic(fmt.Sprintf("ad: Scatter index %d out of range [0,%d)", i, n))
	}
	d := make([]float64, n)
	d[i] = s.data[0]
	return newValue(d, n, 1, []*Value{s}, func(g *Value) []*Value {
		return []*Value{Index(g, i)}
	})
}

// Concat concatenates vectors into one vector.
func Concat(vs ...*Value) *Value {
	if len(vs) == 0 {
		panic("ad: Concat of nothing")
	}
	n := 0
	for _, v := range vs {
		vectorOnly("Concat", v)
		n += v.rows
	}
	d := make([]float64, 0, n)
	for _, v := range vs {
		d = append(d, v.data...)
	}
	inputs := make([]*Value, len(vs))
	copy(inputs, vs)
	return newValue(d, n, 1, inputs, func(g *Value) []*Value {
		out := make([]*Value, len(inputs))
		at := 0
		for i, v := range inputs {
			out[i] = SliceVec(g, at, at+v.rows)
			at += v.rows
		}
		return out
	})
}

// SliceVec returns elements [from, to) of a vector.
func SliceVec(a *Value, from, to int) *Value {
	vectorOnly("SliceVec", a)
	if from < 0 || to > a.rows || from >= to {
		panic(fmt.Sprintf("ad: SliceVec [%d,%d) out of range for length %d", from, to, a.rows))
	}
	d := make([]float64, to-from)
	copy(d, a.data[from:to])
	return newValue(d, to-from, 1, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Pad(g, from, a.rows)}
	})
}

// Pad embeds a vector at offset from within an otherwise-zero n-vector.
func Pad(a *Value, from, n int) *Value {
	vectorOnly("Pad", a)
	if from < 0 || from+a.rows > n {
		panic(fmt.Sprintf("ad: Pad [%d,%d) out of range for length %d", from, from+a.rows, n))
	}
	d := make([]float64, n)
	copy(d[from:], a.data)
	return newValue(d, n, 1, []*Value{a}, func(g *Value) []*Value {
		return []*Value{SliceVec(g, from, from+a.rows)}
	})
}

// Permute reorders a vector: out[i] = a[perm[i]]. perm must be a permutation
// of [0, len).
func Permute(a *Value, perm []int) *Value {
	vectorOnly("Permute", a)
	if len(perm) != a.rows {
		panic(fmt.Sprintf("ad: Permute length %d does not match vector length %d", len(perm), a.rows))
	}
	d := make([]float64, a.rows)
	inv := make([]int, a.rows)
	for i, p := range perm {
		d[i] = a.data[p]
		inv[p] = i
	}
	return newValue(d, a.rows, 1, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Permute(g, inv)}
	})
}

// Reshape reinterprets the flat data with a new shape of the same size.
func Reshape(a *Value, rows, cols int) *Value {
	if rows*cols != len(a.data) {
		panic(fmt.Sprintf("ad: Reshape %dx%d incompatible with %d elements", rows, cols, len(a.data)))
	}
	d := make([]float64, len(a.data))
	copy(d, a.data)
	return newValue(d, rows, cols, []*Value{a}, func(g *Value) []*Value {
		return []*Value{Reshape(g, a.rows, a.cols)}
	})
}

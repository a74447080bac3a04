package ad

import "fmt"

// Grad computes the gradient of a scalar output with respect to each of the
// wrt values. The gradients are themselves tape values built from the
// package's operations, so Grad may be applied to its own results to obtain
// higher derivatives.
//
// Values in wrt that do not contribute to out receive a zero gradient of the
// matching shape.
func Grad(out *Value, wrt ...*Value) []*Value {
	if !out.IsScalar() {
		panic(fmt.Sprintf("ad: Grad of non-scalar %dx%d output", out.rows, out.cols))
	}

	// Collect the nodes reachable from out in topological order.
	var order []*Value
	visited := make(map[*Value]bool)
	var visit func(v *Value)
	visit = func(v *Value) {
		if visited[v] {
			return
		}
		visited[v] = true
		for _, in := range v.inputs {
			visit(in)
		}
		order = append(order, v)
	}
	visit(out)

	// Walk the tape backwards, accumulating adjoints.
	adjoint := make(map[*Value]*Value, len(order))
	adjoint[out] = Scalar(1)
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		g := adjoint[v]
		if g == nil || v.vjp == nil {
			continue
		}
		inputGrads := v.vjp(g)
		if len(inputGrads) != len(v.inputs) {
			panic(fmt.Sprintf("ad: vjp returned %d gradients for %d inputs", len(inputGrads), len(v.inputs)))
		}
		for j, in := range v.inputs {
			ig := inputGrads[j]
			if ig == nil {
				continue
			}
			if prev := adjoint[in]; prev == nil {
				adjoint[in] = ig
			} else {
				adjoint[in] = Add(prev, ig)
			}
		}
	}

	grads := make([]*Value, len(wrt))
	for i, w := range wrt {
		if g := adjoint[w]; g != nil {
			grads[i] = g
		} else {
			grads[i] = Zeros(w.rows, w.cols)
		}
	}
	return grads
}

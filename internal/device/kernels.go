package device

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-npu/internal/simd"
)

// Kernels compute on real values: quantized operands are dequantized on read and
// results are requantized into the output tensor's spec on write.

func (g *cpuGraph) execute(op *cpuOperation) error {
	out := op.outputs[0].(*CPUTensor)
	switch {
	case op.kind.IsBinary():
		a := op.inputs[0].(*CPUTensor)
		b := op.inputs[1].(*CPUTensor)
		av, bv := a.real(), b.real()
		if fast := vectorFunc(op.kind); fast != nil && len(av) == len(bv) {
			fast(av, bv)
			out.store(av, DataConvertParams{})
			break
		}
		out.store(broadcast(av, bv, a.spec.Shape, b.spec.Shape, out.spec.Shape, binaryFunc(op.kind)), DataConvertParams{})
	case op.kind.IsUnary():
		x := op.inputs[0].(*CPUTensor).real()
		f := unaryFunc(op.kind)
		for i, v := range x {
			x[i] = f(v)
		}
		out.store(x, DataConvertParams{})
	case op.kind == OpDataConvert:
		out.store(op.inputs[0].(*CPUTensor).real(), op.params.(DataConvertParams))
	case op.kind == OpMatmul:
		return matmul(op)
	case op.kind.IsConv():
		return g.conv(op)
	case op.kind == OpBatchNorm:
		return batchNorm(op)
	case op.kind == OpConcat:
		return concat(op)
	default:
		return fmt.Errorf("no kernel for %s", op.kind)
	}
	return nil
}

// vectorFunc returns the in-place loop for same-shape operands, if any.
func vectorFunc(k OpKind) func(dst, src []float32) {
	switch k {
	case OpAdd:
		return simd.VecAdd
	case OpSub:
		return simd.VecSub
	case OpMultiply:
		return simd.VecMul
	}
	return nil
}

func binaryFunc(k OpKind) func(a, b float32) float32 {
	switch k {
	case OpAdd:
		return func(a, b float32) float32 { return a + b }
	case OpSub:
		return func(a, b float32) float32 { return a - b }
	case OpMultiply:
		return func(a, b float32) float32 { return a * b }
	case OpDiv:
		return func(a, b float32) float32 { return a / b }
	}
	return func(a, b float32) float32 { return float32(math.Pow(float64(a), float64(b))) }
}

func unaryFunc(k OpKind) func(float32) float32 {
	switch k {
	case OpAbs:
		return func(v float32) float32 { return float32(math.Abs(float64(v))) }
	case OpSqrt:
		return func(v float32) float32 { return float32(math.Sqrt(float64(v))) }
	case OpExp:
		return func(v float32) float32 { return float32(math.Exp(float64(v))) }
	case OpFloor:
		return func(v float32) float32 { return float32(math.Floor(float64(v))) }
	case OpLog:
		return func(v float32) float32 { return float32(math.Log(float64(v))) }
	case OpSin:
		return func(v float32) float32 { return float32(math.Sin(float64(v))) }
	}
	// HardSwish: x * relu6(x + 3) / 6
	return func(v float32) float32 {
		return v * float32(math.Min(math.Max(float64(v)+3, 0), 6)) / 6
	}
}

// broadcastShape aligns dimensions innermost first, which matches numpy's
// trailing-dimension rule on the host order.
func broadcastShape(a, b ShapeType) (ShapeType, error) {
	rank := max(len(a), len(b))
	out := make(ShapeType, rank)
	for i := 0; i < rank; i++ {
		da, db := dimOr1(a, i), dimOr1(b, i)
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

func dimOr1(s ShapeType, i int) uint32 {
	if i < len(s) {
		return s[i]
	}
	return 1
}

func strides(s ShapeType, rank int) []int {
	st := make([]int, rank)
	acc := 1
	for i := 0; i < rank; i++ {
		d := dimOr1(s, i)
		if d == 1 {
			st[i] = 0
		} else {
			st[i] = acc
		}
		acc *= int(d)
	}
	return st
}

func broadcast(a, b []float32, as, bs, os ShapeType, f func(a, b float32) float32) []float32 {
	n := os.ElementNum()
	res := make([]float32, n)
	if len(a) == n && len(b) == n {
		for i := range res {
			res[i] = f(a[i], b[i])
		}
		return res
	}
	rank := len(os)
	sa, sb := strides(as, rank), strides(bs, rank)
	coord := make([]int, rank)
	for i := 0; i < n; i++ {
		ia, ib := 0, 0
		for d := 0; d < rank; d++ {
			ia += coord[d] * sa[d]
			ib += coord[d] * sb[d]
		}
		res[i] = f(a[ia], b[ib])
		for d := 0; d < rank; d++ {
			coord[d]++
			if coord[d] < int(os[d]) {
				break
			}
			coord[d] = 0
		}
	}
	return res
}

type matmulDims struct {
	batchA, batchB, batch int
	m, k, n               int
	transA, transB        bool
}

func hostMatrix(s ShapeType) (batch, rows, cols int) {
	h := s.Reversed()
	r := len(h)
	if r == 1 {
		return 1, 1, int(h[0])
	}
	batch = 1
	for _, d := range h[:r-2] {
		batch *= int(d)
	}
	return batch, int(h[r-2]), int(h[r-1])
}

func computeMatmulDims(a, b ShapeType, p MatmulParams) (matmulDims, error) {
	var d matmulDims
	var ar, ac, br, bc int
	d.batchA, ar, ac = hostMatrix(a)
	d.batchB, br, bc = hostMatrix(b)
	d.transA = p.TransposeA && len(a) > 1
	d.transB = p.TransposeB && len(b) > 1
	if len(b) == 1 {
		// a 1-D right operand is a column vector
		br, bc = bc, 1
	}
	d.m, d.k = ar, ac
	if d.transA {
		d.m, d.k = ac, ar
	}
	kb, n := br, bc
	if d.transB {
		kb, n = bc, br
	}
	d.n = n
	if kb != d.k {
		return d, fmt.Errorf("inner dimensions %d and %d differ", d.k, kb)
	}
	if d.batchA != d.batchB && d.batchA != 1 && d.batchB != 1 {
		return d, fmt.Errorf("batch dimensions %d and %d do not broadcast", d.batchA, d.batchB)
	}
	d.batch = max(d.batchA, d.batchB)
	return d, nil
}

func matmul(op *cpuOperation) error {
	a := op.inputs[0].(*CPUTensor)
	b := op.inputs[1].(*CPUTensor)
	out := op.outputs[0].(*CPUTensor)
	d, err := computeMatmulDims(a.spec.Shape, b.spec.Shape, op.params.(MatmulParams))
	if err != nil {
		return err
	}
	av, bv := a.real(), b.real()
	res := make([]float32, d.batch*d.m*d.n)

	tA, tB := blas.NoTrans, blas.NoTrans
	ar, ac := d.m, d.k
	if d.transA {
		tA, ar, ac = blas.Trans, d.k, d.m
	}
	br, bc := d.k, d.n
	if d.transB {
		tB, br, bc = blas.Trans, d.n, d.k
	}

	for i := 0; i < d.batch; i++ {
		aOff := (i % d.batchA) * d.m * d.k
		bOff := (i % d.batchB) * d.k * d.n
		cOff := i * d.m * d.n
		am := av[aOff : aOff+d.m*d.k]
		bm := bv[bOff : bOff+d.k*d.n]
		cm := res[cOff : cOff+d.m*d.n]
		if d.n == 1 && !d.transA {
			simd.MatVecMul(cm, am, bm, d.m, d.k)
			continue
		}
		blas32.Gemm(tA, tB, 1,
			blas32.General{Rows: ar, Cols: ac, Stride: ac, Data: am},
			blas32.General{Rows: br, Cols: bc, Stride: bc, Data: bm},
			0,
			blas32.General{Rows: d.m, Cols: d.n, Stride: d.n, Data: cm})
	}
	out.store(res, DataConvertParams{})
	return nil
}

type convDims struct {
	n, c, h, w       int
	oc, icg, kh, kw  int
	ho, wo           int
	groups           int
	strideH, strideW int
	dilH, dilW       int
	padH, padW       int
}

func samePad(in, k, stride, dil, out int) int {
	total := (out-1)*stride + (k-1)*dil + 1 - in
	if total < 0 {
		return 0
	}
	return total / 2
}

func computeConvDims(op *cpuOperation) (convDims, error) {
	p := op.params.(ConvParams)
	in := op.inputs[0].Spec().Shape
	wt := op.inputs[1].Spec().Shape
	out := op.outputs[0].Spec().Shape
	is1d := op.kind == OpConv1d || op.kind == OpGroupedConv1d

	var d convDims
	if is1d {
		if len(in) != 3 || len(wt) != 3 || len(out) != 3 {
			return d, fmt.Errorf("1-D convolution wants rank 3 operands, got %v %v %v", in, wt, out)
		}
		d.w, d.h, d.c, d.n = int(in[0]), 1, int(in[1]), int(in[2])
		d.kw, d.kh, d.icg, d.oc = int(wt[0]), 1, int(wt[1]), int(wt[2])
		d.wo, d.ho = int(out[0]), 1
		d.strideW, d.strideH = int(p.Stride[0]), 1
		d.dilW, d.dilH = int(p.Dilation[0]), 1
	} else {
		if len(in) != 4 || len(wt) != 4 || len(out) != 4 {
			return d, fmt.Errorf("2-D convolution wants rank 4 operands, got %v %v %v", in, wt, out)
		}
		d.w, d.h, d.c, d.n = int(in[0]), int(in[1]), int(in[2]), int(in[3])
		d.kw, d.kh, d.icg, d.oc = int(wt[0]), int(wt[1]), int(wt[2]), int(wt[3])
		d.wo, d.ho = int(out[0]), int(out[1])
		d.strideW, d.strideH = int(p.Stride[0]), int(p.Stride[1])
		d.dilW, d.dilH = int(p.Dilation[0]), int(p.Dilation[1])
	}
	if outC := int(out[len(out)-2]); outC != d.oc {
		return d, fmt.Errorf("output has %d channels, kernel has %d", outC, d.oc)
	}

	switch {
	case op.kind == OpGroupedConv1d || op.kind == OpGroupedConv2d:
		d.groups = p.Group
	case p.Multiplier > 0:
		d.groups = d.c
		if d.oc != d.c*p.Multiplier {
			return d, fmt.Errorf("depthwise multiplier %d does not map %d channels to %d", p.Multiplier, d.c, d.oc)
		}
	default:
		d.groups = 1
	}
	if d.icg*d.groups != d.c || d.oc%d.groups != 0 {
		return d, fmt.Errorf("%d groups do not split %d input / %d output channels with kernel depth %d", d.groups, d.c, d.oc, d.icg)
	}
	if len(op.inputs) == 3 && op.inputs[2].Spec().ElementNum() != d.oc {
		return d, fmt.Errorf("bias has %d elements, want %d", op.inputs[2].Spec().ElementNum(), d.oc)
	}

	switch p.Padding {
	case PadValid:
	case PadSame:
		d.padW = samePad(d.w, d.kw, d.strideW, d.dilW, d.wo)
		d.padH = samePad(d.h, d.kh, d.strideH, d.dilH, d.ho)
	default:
		d.padW = int(p.Pad[0])
		if !is1d {
			d.padH = int(p.Pad[2])
		}
	}
	return d, nil
}

func (g *cpuGraph) conv(op *cpuOperation) error {
	d, err := computeConvDims(op)
	if err != nil {
		return err
	}
	x := op.inputs[0].(*CPUTensor).real()
	wt := op.inputs[1].(*CPUTensor).real()
	var bias []float32
	if len(op.inputs) == 3 {
		bias = op.inputs[2].(*CPUTensor).real()
	}
	out := op.outputs[0].(*CPUTensor)
	res := make([]float32, d.n*d.oc*d.ho*d.wo)

	patchLen := d.icg * d.kh * d.kw
	ocg := d.oc / d.groups
	jobs := d.n * d.oc

	var wg sync.WaitGroup
	perWorker := (jobs + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		end := min(start+perWorker, jobs)
		if start >= jobs {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			bp := g.backend.getScratch(patchLen)
			defer g.backend.putScratch(bp)
			patch := *bp

			for j := start; j < end; j++ {
				n, oc := j/d.oc, j%d.oc
				grp := oc / ocg
				wrow := wt[oc*patchLen : (oc+1)*patchLen]
				var b float32
				if bias != nil {
					b = bias[oc]
				}
				for oh := 0; oh < d.ho; oh++ {
					for ow := 0; ow < d.wo; ow++ {
						idx := 0
						for ic := 0; ic < d.icg; ic++ {
							c := grp*d.icg + ic
							for kh := 0; kh < d.kh; kh++ {
								ih := oh*d.strideH - d.padH + kh*d.dilH
								for kw := 0; kw < d.kw; kw++ {
									iw := ow*d.strideW - d.padW + kw*d.dilW
									if ih < 0 || ih >= d.h || iw < 0 || iw >= d.w {
										patch[idx] = 0
									} else {
										patch[idx] = x[((n*d.c+c)*d.h+ih)*d.w+iw]
									}
									idx++
								}
							}
						}
						res[((n*d.oc+oc)*d.ho+oh)*d.wo+ow] = simd.DotProduct(wrow, patch) + b
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	out.store(res, DataConvertParams{})
	return nil
}

func batchNorm(op *cpuOperation) error {
	xt := op.inputs[0].(*CPUTensor)
	shape := xt.spec.Shape
	if len(shape) < 2 {
		return fmt.Errorf("batch norm input rank %d", len(shape))
	}
	c := int(shape[len(shape)-2])
	n := int(shape[len(shape)-1])
	inner := xt.spec.ElementNum() / (c * n)

	x := xt.real()
	mean := op.inputs[1].(*CPUTensor).real()
	variance := op.inputs[2].(*CPUTensor).real()
	scale := op.inputs[3].(*CPUTensor).real()
	bias := op.inputs[4].(*CPUTensor).real()
	eps := float64(op.params.(BatchNormParams).Epsilon)

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			k := float32(1/math.Sqrt(float64(variance[ch])+eps)) * scale[ch]
			off := (b*c + ch) * inner
			simd.Affine(x[off:off+inner], k, bias[ch]-mean[ch]*k)
		}
	}
	op.outputs[0].(*CPUTensor).store(x, DataConvertParams{})
	return nil
}

func concat(op *cpuOperation) error {
	p := op.params.(ConcatParams)
	out := op.outputs[0].(*CPUTensor)
	outer := 1
	for _, d := range out.spec.Shape[p.Axis+1:] {
		outer *= int(d)
	}
	res := make([]float32, 0, out.spec.ElementNum())
	parts := make([][]float32, len(op.inputs))
	blocks := make([]int, len(op.inputs))
	for i, t := range op.inputs {
		ct := t.(*CPUTensor)
		parts[i] = ct.real()
		blocks[i] = ct.spec.ElementNum() / outer
	}
	for o := 0; o < outer; o++ {
		for i, part := range parts {
			res = append(res, part[o*blocks[i]:(o+1)*blocks[i]]...)
		}
	}
	out.store(res, DataConvertParams{})
	return nil
}

// validateShapes runs at compile time so Run only fails on data-dependent errors.
func validateShapes(op *cpuOperation) error {
	out := op.outputs[0].Spec()
	switch {
	case op.kind.IsBinary():
		s, err := broadcastShape(op.inputs[0].Spec().Shape, op.inputs[1].Spec().Shape)
		if err != nil {
			return err
		}
		if s.ElementNum() != out.ElementNum() {
			return fmt.Errorf("broadcast result %v does not fit output %v", s, out.Shape)
		}
	case op.kind.IsUnary(), op.kind == OpDataConvert:
		if n := op.inputs[0].Spec().ElementNum(); n != out.ElementNum() {
			return fmt.Errorf("input has %d elements, output %d", n, out.ElementNum())
		}
	case op.kind == OpMatmul:
		d, err := computeMatmulDims(op.inputs[0].Spec().Shape, op.inputs[1].Spec().Shape, op.params.(MatmulParams))
		if err != nil {
			return err
		}
		if d.batch*d.m*d.n != out.ElementNum() {
			return fmt.Errorf("product has %d elements, output %d", d.batch*d.m*d.n, out.ElementNum())
		}
	case op.kind.IsConv():
		if _, err := computeConvDims(op); err != nil {
			return err
		}
	case op.kind == OpBatchNorm:
		x := op.inputs[0].Spec()
		if len(x.Shape) < 2 {
			return fmt.Errorf("input rank %d", len(x.Shape))
		}
		c := int(x.Shape[len(x.Shape)-2])
		for _, t := range op.inputs[1:] {
			if t.Spec().ElementNum() != c {
				return fmt.Errorf("statistics have %d elements, want %d", t.Spec().ElementNum(), c)
			}
		}
	case op.kind == OpConcat:
		p := op.params.(ConcatParams)
		if p.Axis >= len(out.Shape) {
			return fmt.Errorf("axis %d out of range for rank %d", p.Axis, len(out.Shape))
		}
		total := 0
		for _, t := range op.inputs {
			s := t.Spec().Shape
			if len(s) != len(out.Shape) {
				return fmt.Errorf("input rank %d, output rank %d", len(s), len(out.Shape))
			}
			for i := range s {
				if i != p.Axis && s[i] != out.Shape[i] {
					return fmt.Errorf("input %v does not match output %v off axis %d", s, out.Shape, p.Axis)
				}
			}
			total += int(s[p.Axis])
		}
		if total != int(out.Shape[p.Axis]) {
			return fmt.Errorf("inputs sum to %d along axis, output has %d", total, out.Shape[p.Axis])
		}
	}
	return nil
}

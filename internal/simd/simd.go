// Package simd holds the unrolled float32 loops the CPU backend runs on its
// dequantized operands. Callers guarantee equal lengths.
package simd

// VecAdd computes dst += src.
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecSub computes dst -= src.
func VecSub(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] -= src[i]
		dst[i+1] -= src[i+1]
		dst[i+2] -= src[i+2]
		dst[i+3] -= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] -= src[i]
	}
}

// VecMul computes dst *= src element-wise.
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// Affine computes dst = dst*mul + add. Batch normalization folds into one call
// per channel.
func Affine(dst []float32, mul, add float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = dst[i]*mul + add
		dst[i+1] = dst[i+1]*mul + add
		dst[i+2] = dst[i+2]*mul + add
		dst[i+3] = dst[i+3]*mul + add
	}
	for ; i < len(dst); i++ {
		dst[i] = dst[i]*mul + add
	}
}

func DotProduct(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// MatVecMul computes dst = mat * vec for a row-major rows x cols matrix.
func MatVecMul(dst, mat, vec []float32, rows, cols int) {
	for r := range rows {
		dst[r] = DotProduct(mat[r*cols:(r+1)*cols], vec)
	}
}

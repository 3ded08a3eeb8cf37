//go:build cgo && netlib

package device

// Matmul kernels go through blas32. Building with the netlib tag swaps the
// pure Go implementation for the system BLAS (OpenBLAS, Accelerate).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CPU backend using netlib BLAS")
}

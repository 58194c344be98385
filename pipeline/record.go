package pipeline

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanmatch/registration"
)

// Buffer lengths for the issue/collect protocol. A linearized-system record is
// plain float32 data laid out HTarget, HSource, HTargetSource (row-major 6x6
// each), BTarget, BSource, then the scalar error, so it can be handed across
// the stream boundary byte-for-byte.
const (
	LinearizeBufferSize = 3*36 + 2*6 + 1
	ErrorBufferSize     = 1
)

func packLinearized(dst []float32, h [3][36]float32, b [2][6]float32, errSum float32) {
	o := 0
	for blk := 0; blk < 3; blk++ {
		for i := 0; i < 36; i++ {
			dst[o] = h[blk][i]
			o++
		}
	}
	for blk := 0; blk < 2; blk++ {
		for i := 0; i < 6; i++ {
			dst[o] = b[blk][i]
			o++
		}
	}
	dst[o] = errSum
}

// UnpackLinearized converts a collected record into a LinearizedSystem.
func UnpackLinearized(buf []float32) *registration.LinearizedSystem {
	sys := registration.NewLinearizedSystem()
	o := 0
	for _, h := range []*mat.Dense{sys.HTarget, sys.HSource, sys.HTargetSource} {
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				h.Set(i, j, float64(buf[o]))
				o++
			}
		}
	}
	for _, b := range []*mat.VecDense{sys.BTarget, sys.BSource} {
		for i := 0; i < 6; i++ {
			b.SetVec(i, float64(buf[o]))
			o++
		}
	}
	sys.Error = float64(buf[o])
	return sys
}

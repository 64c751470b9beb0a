package optim

import "math"

// GradNorm returns the global L2 norm over the gradients of all parameters
// in the given groups.
func GradNorm(groups []*ParamGroup) float64 {
	var sum float64
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad {
				sum += float64(v) * float64(v)
			}
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm and returns the norm measured before clipping. A
// maxNorm <= 0 leaves the gradients untouched.
func ClipGradNorm(groups []*ParamGroup, maxNorm float64) float64 {
	norm := GradNorm(groups)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

// gradsFinite reports whether every gradient in the groups is a finite
// number.
func gradsFinite(groups []*ParamGroup) bool {
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad {
				f := float64(v)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					return false
				}
			}
		}
	}
	return true
}

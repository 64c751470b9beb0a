package models

import (
	"errors"
	"fmt"

	"github.com/renyu12/VideoMamba/engine"
)

// EMATracker keeps an exponential moving average of an MLP's weights. The
// shadow copy is typically used for evaluation; Update is called by the
// engine at the end of each accumulation window.
type EMATracker struct {
	decay  float64
	shadow [][]float32
}

// NewEMATracker snapshots model's current weights as the initial shadow.
// decay is the retention factor per update (e.g. 0.999).
func NewEMATracker(model *MLP, decay float64) (*EMATracker, error) {
	if model == nil {
		return nil, errors.New("ema tracker needs a model")
	}
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("ema decay %v out of range (0, 1)", decay)
	}
	t := &EMATracker{decay: decay}
	for _, p := range model.Parameters() {
		t.shadow = append(t.shadow, append([]float32(nil), p.Data...))
	}
	return t, nil
}

// Update implements engine.EMA. The model must be the MLP (or a wrapper
// embedding it) the tracker was created from.
func (t *EMATracker) Update(m engine.Model) {
	mlp := unwrapMLP(m)
	if mlp == nil {
		return
	}
	d := float32(t.decay)
	for i, p := range mlp.Parameters() {
		if i >= len(t.shadow) {
			return
		}
		s := t.shadow[i]
		for j := range s {
			s[j] = s[j]*d + p.Data[j]*(1-d)
		}
	}
}

// CopyTo writes the shadow weights into dst, which must have the same
// architecture as the tracked model.
func (t *EMATracker) CopyTo(dst *MLP) error {
	params := dst.Parameters()
	if len(params) != len(t.shadow) {
		return fmt.Errorf("ema shadow has %d tensors, model has %d", len(t.shadow), len(params))
	}
	for i, p := range params {
		if len(p.Data) != len(t.shadow[i]) {
			return fmt.Errorf("ema shadow tensor %d has %d values, model has %d", i, len(t.shadow[i]), len(p.Data))
		}
		copy(p.Data, t.shadow[i])
	}
	return nil
}

// unwrapMLP digs the underlying MLP out of the model handed to Update.
func unwrapMLP(m engine.Model) *MLP {
	switch v := m.(type) {
	case *MLP:
		return v
	case *Managed:
		return v.MLP
	default:
		return nil
	}
}

package fakequant

import "github.com/samcharles93/quantsim/internal/tensor"

// AbsMax is the global abs-max scale of x.
func AbsMax(x *tensor.Tensor) float32 {
	return tensor.AbsMax(x.Data)
}

// ChannelWiseAbsMax returns one abs-max scale per channel along axis, in
// channel order.
func ChannelWiseAbsMax(x *tensor.Tensor, axis QuantAxis) ([]float32, error) {
	l, err := axisLayout(x, axis)
	if err != nil {
		return nil, err
	}
	return l.ChannelAbsMax(x.Data), nil
}

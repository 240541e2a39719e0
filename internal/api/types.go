package api

import "github.com/samcharles93/quantsim/internal/plan"

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// TensorPayload is a dense float32 tensor on the wire.
type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// QuantizeRequest runs one strategy with fresh state. Quantizer parameters
// not given fall back to the built-in defaults.
type QuantizeRequest struct {
	Strategy   plan.Strategy `json:"strategy"`
	Dequantize bool          `json:"dequantize,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	InScale    *float32      `json:"in_scale,omitempty"`

	plan.Overrides

	TensorPayload
}

type QuantizeResponse struct {
	Object string    `json:"object"`
	Shape  []int     `json:"shape"`
	Out    []float32 `json:"out"`
	Scale  float32   `json:"scale"`
	Scales []float32 `json:"scales,omitempty"`
}

type SessionResponse struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	CreatedAt int64             `json:"created_at"`
	RunID     string            `json:"run_id"`
	Layers    []plan.LayerState `json:"layers"`
}

type LayerRunRequest struct {
	Mode    string   `json:"mode,omitempty"`
	InScale *float32 `json:"in_scale,omitempty"`

	TensorPayload
}

type LayerRunResponse struct {
	Object string    `json:"object"`
	Layer  string    `json:"layer"`
	Mode   string    `json:"mode"`
	Shape  []int     `json:"shape"`
	Out    []float32 `json:"out"`
	Scale  float32   `json:"scale"`
	Scales []float32 `json:"scales,omitempty"`
}

type BackwardRequest struct {
	Grad []float32 `json:"grad"`
}

type BackwardResponse struct {
	Object string    `json:"object"`
	Layer  string    `json:"layer"`
	Grad   []float32 `json:"grad"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version"`
}

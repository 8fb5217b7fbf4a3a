package nn

// Package nn is the neural network interface layer.
// Concrete inference backends live in their own packages (eg nnsim),
// and are loaded via the nnload package.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Error taxonomy. Backends and the stage wrap these with %w so that
// callers can classify failures with errors.Is.
var (
	// ErrConfiguration is a fatal setup error: bad dimensions, empty model
	// path, unsupported tensor element type, or an input size mismatch
	// (usually the wrong model file for this stage).
	ErrConfiguration = errors.New("configuration error")

	// ErrModelLoad means the model file is missing or unparseable.
	ErrModelLoad = errors.New("model load error")

	// ErrInference is a failure of the forward pass itself.
	ErrInference = errors.New("inference error")
)

// TensorType is the element type of a tensor.
type TensorType int

const (
	TensorUint8 TensorType = iota
	TensorFloat32
)

// Size returns the size of one element, in bytes.
func (t TensorType) Size() int {
	switch t {
	case TensorUint8:
		return 1
	case TensorFloat32:
		return 4
	}
	return 0
}

func (t TensorType) String() string {
	switch t {
	case TensorUint8:
		return "uint8"
	case TensorFloat32:
		return "float32"
	}
	return fmt.Sprintf("TensorType(%d)", int(t))
}

// ParseTensorType parses a type name as it appears in model descriptors.
func ParseTensorType(s string) (TensorType, error) {
	switch s {
	case "uint8":
		return TensorUint8, nil
	case "float32":
		return TensorFloat32, nil
	}
	return 0, fmt.Errorf("%w: unsupported tensor element type %q", ErrConfiguration, s)
}

// InputShape describes the input tensor that a model expects.
type InputShape struct {
	Width    int
	Height   int
	Channels int
	Type     TensorType
}

// Bytes is the size of the input tensor, in bytes.
func (s InputShape) Bytes() int {
	return s.Width * s.Height * s.Channels * s.Type.Size()
}

// Tensor is one output tensor of a completed forward pass.
// Data is owned by the engine until the next Run; interpreters must not
// hold onto it across calls.
type Tensor struct {
	Shape []int
	Type  TensorType
	Data  []byte
}

// NumElements returns the product of the tensor's dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32s decodes a float32 tensor's data.
// Panics if the tensor is not float32 (programmer error).
func (t *Tensor) Float32s() []float32 {
	if t.Type != TensorFloat32 {
		panic("Float32s called on a non-float32 tensor")
	}
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out
}

// ModelSetup holds the options that a backend needs at model load time.
type ModelSetup struct {
	Threads    int     // Backend thread count. -1 means use the backend default.
	NormOffset float32 // Applied to float32 model inputs as (pixel - NormOffset) / NormScale
	NormScale  float32
}

// NewModelSetup returns a ModelSetup with the stock defaults.
func NewModelSetup() *ModelSetup {
	return &ModelSetup{
		Threads:    2,
		NormOffset: 127.5,
		NormScale:  127.5,
	}
}

// Engine is a loaded model plus its execution context.
// Backends must validate at load time that the model's declared input
// tensor size matches InputShape().Bytes(), and fail with
// ErrConfiguration if not.
type Engine interface {
	// Close releases the model and execution context. You MUST call this
	// when finished (backends may hold non-Go resources underneath).
	Close()

	// InputShape reports the input tensor that Run expects. Callers assume
	// it remains constant for the lifetime of the engine.
	InputShape() InputShape

	// Run executes one forward pass. input is packed pixel bytes of
	// exactly InputShape().Width * Height * Channels bytes; the engine
	// copies it into its input tensor, normalizing per the element type
	// (uint8: as-is; float32: (v - NormOffset) / NormScale).
	// The returned tensors are valid until the next call to Run.
	Run(input []byte) ([]Tensor, error)
}

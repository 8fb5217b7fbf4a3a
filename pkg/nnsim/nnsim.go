// Package nnsim is a pure-Go inference backend that runs a model
// descriptor instead of real network weights. The descriptor declares
// the input tensor that a real model would, plus the outputs that a
// forward pass should produce, and optionally a latency to simulate.
//
// Hardware backends (TFLite, Hailo, ...) plug in behind the same
// nn.Engine interface; nnsim exists so that the stage, the tests and
// cmd/stagerun can run on any machine.
package nnsim

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/njjetha/rpicam-apps/pkg/nn"
)

// On-disk model descriptor.
type modelFile struct {
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Channels   int          `json:"channels"`
	Type       string       `json:"type"`                 // "uint8" or "float32"
	InputBytes int          `json:"inputBytes,omitempty"` // declared input tensor size; 0 means "computed from shape"
	LatencyMS  int          `json:"latencyMS,omitempty"`  // simulated forward pass duration
	Fail       bool         `json:"fail,omitempty"`       // if true, every forward pass fails
	Outputs    []outputSpec `json:"outputs"`
}

type outputSpec struct {
	Shape []int     `json:"shape"`
	Type  string    `json:"type"`
	Data  []float64 `json:"data"`
}

// Engine implements nn.Engine against a model descriptor.
type Engine struct {
	shape   nn.InputShape
	setup   nn.ModelSetup
	latency time.Duration
	fail    bool
	outputs []nn.Tensor

	// lastInput is the normalized input of the most recent Run, kept so
	// that tests can verify the copy/normalize step.
	lastLock  sync.Mutex
	lastInput []float32

	closed bool
}

// Load reads a model descriptor from disk.
// A missing or unparseable file is an nn.ErrModelLoad; a descriptor that
// declares an unsupported element type, or whose declared input size
// disagrees with its shape, is an nn.ErrConfiguration.
func Load(filename string, setup *nn.ModelSetup) (*Engine, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrModelLoad, err)
	}
	mf := modelFile{}
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("%w: %v is not a model descriptor: %v", nn.ErrModelLoad, filename, err)
	}
	elType, err := nn.ParseTensorType(mf.Type)
	if err != nil {
		return nil, err
	}
	shape := nn.InputShape{
		Width:    mf.Width,
		Height:   mf.Height,
		Channels: mf.Channels,
		Type:     elType,
	}
	if shape.Width <= 0 || shape.Height <= 0 || shape.Channels <= 0 {
		return nil, fmt.Errorf("%w: bad input shape %vx%vx%v in %v", nn.ErrConfiguration, shape.Width, shape.Height, shape.Channels, filename)
	}
	// The equivalent of checking a real model's declared input tensor
	// byte size. A mismatch usually means the wrong model file.
	if mf.InputBytes != 0 && mf.InputBytes != shape.Bytes() {
		return nil, fmt.Errorf("%w: input tensor size mismatch: model declares %v bytes, shape requires %v", nn.ErrConfiguration, mf.InputBytes, shape.Bytes())
	}
	e := &Engine{
		shape:   shape,
		setup:   *setup,
		latency: time.Duration(mf.LatencyMS) * time.Millisecond,
		fail:    mf.Fail,
	}
	for i, spec := range mf.Outputs {
		t, err := buildTensor(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: output %v of %v: %v", nn.ErrModelLoad, i, filename, err)
		}
		e.outputs = append(e.outputs, t)
	}
	return e, nil
}

func buildTensor(spec outputSpec) (nn.Tensor, error) {
	elType, err := nn.ParseTensorType(spec.Type)
	if err != nil {
		return nn.Tensor{}, err
	}
	t := nn.Tensor{
		Shape: spec.Shape,
		Type:  elType,
	}
	if len(spec.Data) != t.NumElements() {
		return nn.Tensor{}, fmt.Errorf("have %v elements, shape wants %v", len(spec.Data), t.NumElements())
	}
	t.Data = make([]byte, t.NumElements()*elType.Size())
	for i, v := range spec.Data {
		switch elType {
		case nn.TensorUint8:
			t.Data[i] = byte(v)
		case nn.TensorFloat32:
			binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(float32(v)))
		}
	}
	return t, nil
}

func (e *Engine) InputShape() nn.InputShape {
	return e.shape
}

// Probe counters for the package as a whole. Schedulers above us
// promise never to run two forward passes at once; these let tests
// verify that promise against the backend that actually sees the calls.
var (
	runsInFlight    atomic.Int32
	maxRunsInFlight atomic.Int32
)

// ResetRunProbe zeroes the concurrency probe.
func ResetRunProbe() {
	runsInFlight.Store(0)
	maxRunsInFlight.Store(0)
}

// MaxRunsInFlight reports the highest number of simultaneous Run calls
// observed since the last ResetRunProbe.
func MaxRunsInFlight() int {
	return int(maxRunsInFlight.Load())
}

// Run copies and normalizes the input exactly the way a real backend
// would fill its input tensor, simulates the forward pass, and returns
// the descriptor's outputs.
func (e *Engine) Run(input []byte) ([]nn.Tensor, error) {
	if e.closed {
		return nil, fmt.Errorf("%w: engine is closed", nn.ErrInference)
	}
	n := runsInFlight.Add(1)
	defer runsInFlight.Add(-1)
	for {
		prev := maxRunsInFlight.Load()
		if n <= prev || maxRunsInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	if len(input) != e.shape.Width*e.shape.Height*e.shape.Channels {
		return nil, fmt.Errorf("%w: input is %v bytes, expected %v", nn.ErrInference, len(input), e.shape.Width*e.shape.Height*e.shape.Channels)
	}

	normalized := make([]float32, len(input))
	switch e.shape.Type {
	case nn.TensorUint8:
		for i, v := range input {
			normalized[i] = float32(v)
		}
	case nn.TensorFloat32:
		for i, v := range input {
			normalized[i] = (float32(v) - e.setup.NormOffset) / e.setup.NormScale
		}
	}
	e.lastLock.Lock()
	e.lastInput = normalized
	e.lastLock.Unlock()

	if e.latency > 0 {
		time.Sleep(e.latency)
	}
	if e.fail {
		return nil, fmt.Errorf("%w: simulated forward pass failure", nn.ErrInference)
	}
	return e.outputs, nil
}

// LastInput returns the normalized input of the most recent Run.
func (e *Engine) LastInput() []float32 {
	e.lastLock.Lock()
	defer e.lastLock.Unlock()
	return e.lastInput
}

func (e *Engine) Close() {
	e.closed = true
}

package stage

import (
	"encoding/json"

	"github.com/bmharper/cimg/v2"
	"github.com/njjetha/rpicam-apps/pkg/nn"
	"github.com/njjetha/rpicam-apps/pkg/yuv"
)

// Streams is the geometry of the video streams that the host pipeline
// negotiated with us. Captured once at Configure time.
type Streams struct {
	HasLores bool
	Lores    yuv.Geometry // Low resolution stream, the inference input
	HasMain  bool
	Main     yuv.Geometry // Main (output) stream
}

// Request is one completed frame moving through the pipeline.
// The buffers are mapped views owned by the host; they are only valid
// for the duration of Process, which is why the stage snapshots its
// inference input synchronously before launching a task.
type Request struct {
	Sequence uint64 // Monotonic per-frame number, supplied by the host
	Lores    []byte // YUV420 buffer of the low resolution stream
	Main     []byte // YUV420 buffer of the main stream (may be nil)

	// RGB is an optional annotation target for models that draw onto the
	// outgoing frame (eg detection boxes).
	RGB *cimg.Image

	// Metadata carries results downstream, keyed by stage.
	Metadata map[string]any
}

// SetMetadata attaches a result to the outgoing frame.
func (r *Request) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// Model is the per-model half of an inference stage. The generic Stage
// owns scheduling, color conversion and result publication; a Model
// supplies everything specific to one network.
//
// InterpretOutputs and ApplyResults are both invoked with the stage's
// result lock held, so a Model may keep its interpreted results in
// plain fields and read them in ApplyResults without further locking.
type Model interface {
	// ReadExtras parses model-specific options out of the same JSON
	// object that configured the stage.
	ReadExtras(params json.RawMessage) error

	// CheckConfiguration validates the model against the negotiated
	// stream geometry. Called once, after Configure.
	CheckConfiguration(streams Streams) error

	// InterpretOutputs converts raw output tensors into the model's
	// domain result. Called once per completed inference.
	// The tensors are only valid for the duration of the call.
	InterpretOutputs(outputs []nn.Tensor)

	// ApplyResults attaches the most recent interpreted results to an
	// outgoing frame. Called on every frame, whether or not an inference
	// completed this frame, so results may be several frames stale.
	ApplyResults(req *Request)
}

// Package objectdetect is an object detection model on top of the
// generic inference stage. It interprets the four SSD-style output
// tensors (boxes, classes, scores, count) and publishes detections in
// main stream coordinates.
package objectdetect

import (
	"encoding/json"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/njjetha/rpicam-apps/pkg/nn"
	"github.com/njjetha/rpicam-apps/pkg/yuv"
	"github.com/njjetha/rpicam-apps/stage"
)

// MetadataKey is where ApplyResults attaches the detections on a Request.
const MetadataKey = "object_detect.results"

// Detection is one detected object, with its box in main stream coordinates.
type Detection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        nn.Rect `json:"box"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%v (%.2f) at %v,%v %vx%v", d.Label, d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
}

type extras struct {
	ConfidenceThreshold float32 `json:"confidence_threshold"`
	MaxDetections       int     `json:"max_detections"`
	LabelsFile          string  `json:"labels_file"`
}

// Model implements stage.Model for SSD-style object detection networks.
type Model struct {
	log    logs.Log
	inputW int
	inputH int

	extras  extras
	labels  []string
	streams stage.Streams

	// Written by InterpretOutputs, read by ApplyResults. Both run under
	// the stage's result lock, so no extra synchronization here.
	detections []Detection

	warnedBadOutputs bool
}

// New builds an object detection stage for a model with the given input size.
func New(logger logs.Log, inputW, inputH int) (*stage.Stage, *Model, error) {
	m := &Model{
		log:    logger,
		inputW: inputW,
		inputH: inputH,
	}
	s, err := stage.NewStage(logger, m, inputW, inputH)
	if err != nil {
		return nil, nil, err
	}
	return s, m, nil
}

func (m *Model) ReadExtras(params json.RawMessage) error {
	m.extras = extras{
		ConfidenceThreshold: 0.5,
		MaxDetections:       10,
	}
	if len(params) != 0 {
		if err := json.Unmarshal(params, &m.extras); err != nil {
			return fmt.Errorf("%w: parsing object detect options: %v", nn.ErrConfiguration, err)
		}
	}
	if m.extras.LabelsFile != "" {
		labels, err := nn.LoadClassFile(m.extras.LabelsFile)
		if err != nil {
			return fmt.Errorf("%w: loading labels %v: %v", nn.ErrConfiguration, m.extras.LabelsFile, err)
		}
		m.labels = labels
	}
	return nil
}

func (m *Model) CheckConfiguration(streams stage.Streams) error {
	if !streams.HasMain {
		return fmt.Errorf("%w: object detection requires a main stream to scale detections into", nn.ErrConfiguration)
	}
	m.streams = streams
	return nil
}

// InterpretOutputs expects the SSD detection postprocess layout:
// outputs[0] boxes [1,N,4] as (ymin,xmin,ymax,xmax) normalized to the
// model input, outputs[1] classes [1,N], outputs[2] scores [1,N],
// outputs[3] count [1]. All float32.
func (m *Model) InterpretOutputs(outputs []nn.Tensor) {
	if len(outputs) < 4 ||
		outputs[0].Type != nn.TensorFloat32 || outputs[1].Type != nn.TensorFloat32 ||
		outputs[2].Type != nn.TensorFloat32 || outputs[3].Type != nn.TensorFloat32 {
		if !m.warnedBadOutputs {
			m.log.Warnf("Model outputs do not look like SSD detections (%v tensors) - ignoring", len(outputs))
			m.warnedBadOutputs = true
		}
		return
	}
	boxes := outputs[0].Float32s()
	classes := outputs[1].Float32s()
	scores := outputs[2].Float32s()
	countT := outputs[3].Float32s()

	count := 0
	if len(countT) > 0 {
		count = int(countT[0])
	}
	count = min(count, len(scores), len(classes), len(boxes)/4)

	// Where the centered model crop sits inside the lores stream
	offX, offY := yuv.CropOffset(m.streams.Lores, m.inputW, m.inputH)

	detections := []Detection{}
	for i := 0; i < count && len(detections) < m.extras.MaxDetections; i++ {
		if scores[i] < m.extras.ConfidenceThreshold {
			continue
		}
		// Model input space, in pixels
		x0 := math32.Round(boxes[i*4+1] * float32(m.inputW))
		y0 := math32.Round(boxes[i*4+0] * float32(m.inputH))
		x1 := math32.Round(boxes[i*4+3] * float32(m.inputW))
		y1 := math32.Round(boxes[i*4+2] * float32(m.inputH))
		box := nn.Rect{
			X:      int(x0),
			Y:      int(y0),
			Width:  int(x1 - x0),
			Height: int(y1 - y0),
		}
		// Into lores space, then up to the main stream
		box.Offset(offX, offY)
		box = box.Scale(m.streams.Lores.Width, m.streams.Lores.Height, m.streams.Main.Width, m.streams.Main.Height)

		class := int(classes[i])
		detections = append(detections, Detection{
			Class:      class,
			Label:      m.labelFor(class),
			Confidence: scores[i],
			Box:        box,
		})
	}
	m.detections = detections
}

func (m *Model) labelFor(class int) string {
	if class >= 0 && class < len(m.labels) {
		return m.labels[class]
	}
	return fmt.Sprintf("class %v", class)
}

// ApplyResults attaches the latest detections to the outgoing frame,
// and draws them if the frame carries an annotation image.
func (m *Model) ApplyResults(req *stage.Request) {
	detections := make([]Detection, len(m.detections))
	copy(detections, m.detections)
	req.SetMetadata(MetadataKey, detections)
	if req.RGB != nil {
		m.drawDetections(req.RGB, detections)
	}
}

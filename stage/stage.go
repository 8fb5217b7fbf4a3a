// Package stage runs a neural network over the low resolution stream of
// a camera pipeline, without ever stalling the frame path.
//
// The frame thread calls Process on every completed frame. Every Nth
// frame (refresh_rate) we snapshot the lores frame, convert it to the
// model's input and launch one inference goroutine. While that runs,
// frames keep flowing; each one gets the most recently interpreted
// results attached. If a launch comes due while an inference is still
// running, the launch is skipped - that's backpressure, not an error.
package stage

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/njjetha/rpicam-apps/pkg/nn"
	"github.com/njjetha/rpicam-apps/pkg/nnload"
	"github.com/njjetha/rpicam-apps/pkg/perfstats"
	"github.com/njjetha/rpicam-apps/pkg/yuv"
)

// Stage is the generic half of an inference post-processing stage.
// Pair it with a Model to get a concrete stage.
type Stage struct {
	Log   logs.Log
	model Model

	// Model input size, fixed at construction
	inputW int
	inputH int

	config Config
	engine nn.Engine

	streams      Streams
	loresEnabled bool

	// inflightLock guards the single in-flight task slot and fatalErr.
	// resultLock guards the model's interpreted results.
	// They are deliberately separate: checking "is anything running" must
	// never wait on a result read, and publishing a result must never
	// wait on a launch decision.
	inflightLock sync.Mutex
	inflight     *inflightTask
	fatalErr     error

	resultLock sync.Mutex

	launches       atomic.Int64
	skips          atomic.Int64
	avgInferenceNS atomic.Int64

	statsLock     sync.Mutex
	inferenceTime perfstats.TimeAccumulator
}

// One launched inference. err is written before done is closed, and
// only read after done is closed.
type inflightTask struct {
	done chan struct{}
	err  error
}

func (t *inflightTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stats is a snapshot of the stage's counters.
type Stats struct {
	Launches     int64         // Inference tasks launched
	Skips        int64         // Launches skipped because a task was still running
	AvgInference time.Duration // Moving average of forward pass duration
	Inference    perfstats.TimeAccumulator
}

// NewStage creates a stage for a model with the given input size.
// The model file itself is loaded later, in Read.
func NewStage(logger logs.Log, model Model, inputW, inputH int) (*Stage, error) {
	if inputW <= 0 || inputH <= 0 {
		return nil, fmt.Errorf("%w: bad model input dimensions %vx%v", nn.ErrConfiguration, inputW, inputH)
	}
	return &Stage{
		Log:    logger,
		model:  model,
		inputW: inputW,
		inputH: inputH,
	}, nil
}

// Read parses the stage options, loads the model, and validates that
// the model actually expects our input size. params is the stage's JSON
// options object; model-specific fields are forwarded to ReadExtras.
func (s *Stage) Read(params json.RawMessage) error {
	cfg, err := ParseConfig(params)
	if err != nil {
		return err
	}

	setup := nn.NewModelSetup()
	setup.Threads = cfg.NumThreads
	setup.NormOffset = cfg.NormOffset
	setup.NormScale = cfg.NormScale

	engine, err := nnload.LoadModel(s.Log, cfg.ModelFile, setup)
	if err != nil {
		return err
	}

	// Make an attempt to verify that the model expects this size of input.
	// A mismatch usually means the wrong model file was configured.
	shape := engine.InputShape()
	expected := s.inputW * s.inputH * 3 * shape.Type.Size()
	if expected != shape.Bytes() {
		engine.Close()
		return fmt.Errorf("%w: input tensor size mismatch: stage expects %v bytes (%vx%vx3 %v), model declares %v",
			nn.ErrConfiguration, expected, s.inputW, s.inputH, shape.Type, shape.Bytes())
	}

	s.config = cfg
	s.engine = engine

	return s.model.ReadExtras(params)
}

// Config returns the parsed stage options (valid after Read).
func (s *Stage) Config() Config {
	return s.config
}

// Configure captures the negotiated stream geometry. If the low
// resolution stream is absent or smaller than the model input, the
// inference path is disabled with a warning rather than failing: the
// pipeline keeps running, we just never launch.
func (s *Stage) Configure(streams Streams) error {
	s.streams = streams
	s.loresEnabled = streams.HasLores
	if streams.HasLores {
		if s.config.Verbose != 0 {
			s.Log.Infof("Low resolution stream is %vx%v (stride %v)", streams.Lores.Width, streams.Lores.Height, streams.Lores.Stride)
		}
		if s.inputW > streams.Lores.Width || s.inputH > streams.Lores.Height {
			s.Log.Warnf("Low resolution stream %vx%v is too small for %vx%v model input - inference disabled",
				streams.Lores.Width, streams.Lores.Height, s.inputW, s.inputH)
			s.loresEnabled = false
		}
	} else if s.config.Verbose != 0 {
		s.Log.Infof("No low resolution stream")
	}
	if streams.HasMain && s.config.Verbose != 0 {
		s.Log.Infof("Main stream is %vx%v (stride %v)", streams.Main.Width, streams.Main.Height, streams.Main.Stride)
	}
	return s.model.CheckConfiguration(streams)
}

// Process handles one completed frame. It never blocks on inference:
// the only waiting is on the two short critical sections (the in-flight
// slot and the result attach).
//
// A forward pass failure is fatal by default: it is returned from the
// Process call that first observes it, and from every call thereafter.
func (s *Stage) Process(req *Request) error {
	if !s.loresEnabled || s.engine == nil {
		return nil
	}

	s.inflightLock.Lock()
	if s.fatalErr != nil {
		err := s.fatalErr
		s.inflightLock.Unlock()
		return err
	}
	// Harvest a completed task so the slot reads as idle.
	if s.inflight != nil && s.inflight.finished() {
		if err := s.inflight.err; err != nil {
			s.fatalErr = fmt.Errorf("inference failed: %w", err)
			s.inflight = nil
			s.inflightLock.Unlock()
			return s.fatalErr
		}
		s.inflight = nil
	}
	if s.config.RefreshRate > 0 && req.Sequence%uint64(s.config.RefreshRate) == 0 {
		if s.inflight == nil {
			// Snapshot the frame now: the mapped buffer does not outlive
			// this call, and the task must own its input.
			input, err := yuv.ToRGBCrop(req.Lores, s.streams.Lores, s.inputW, s.inputH)
			if err != nil {
				s.inflightLock.Unlock()
				return fmt.Errorf("%w: %v", nn.ErrConfiguration, err)
			}
			task := &inflightTask{done: make(chan struct{})}
			s.inflight = task
			s.launches.Add(1)
			go s.runInference(task, input)
		} else {
			// Previous inference still running: skip this launch rather
			// than make the frame thread wait.
			s.skips.Add(1)
			if s.config.Verbose != 0 {
				s.Log.Infof("Frame %v due for inference, but previous run still busy - skipped", req.Sequence)
			}
		}
	}
	s.inflightLock.Unlock()

	s.resultLock.Lock()
	s.model.ApplyResults(req)
	s.resultLock.Unlock()

	return nil
}

// runInference is the body of one inference task. It owns its input
// buffer, and the engine's tensors, until it returns.
func (s *Stage) runInference(task *inflightTask, input []byte) {
	start := time.Now()
	outputs, err := s.engine.Run(input)
	elapsed := time.Since(start)

	perfstats.UpdateMovingAverage(&s.avgInferenceNS, elapsed.Nanoseconds())
	s.statsLock.Lock()
	s.inferenceTime.AddSample(elapsed)
	s.statsLock.Unlock()
	if s.config.Verbose != 0 {
		s.Log.Infof("Inference time: %v", elapsed)
	}

	if err == nil {
		// A failed pass never reaches here, so the previously published
		// results stay intact.
		s.resultLock.Lock()
		s.model.InterpretOutputs(outputs)
		s.resultLock.Unlock()
	}

	task.err = err
	close(task.done)
}

// Stop waits for any in-flight inference to complete, then releases the
// engine. After Stop, Process becomes a no-op.
func (s *Stage) Stop() {
	s.inflightLock.Lock()
	task := s.inflight
	s.inflight = nil
	s.inflightLock.Unlock()

	if task != nil {
		<-task.done
	}
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}

// Stats returns a snapshot of the stage's counters.
func (s *Stage) Stats() Stats {
	s.statsLock.Lock()
	acc := s.inferenceTime
	s.statsLock.Unlock()
	return Stats{
		Launches:     s.launches.Load(),
		Skips:        s.skips.Load(),
		AvgInference: time.Duration(s.avgInferenceNS.Load()),
		Inference:    acc,
	}
}

package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/njjetha/rpicam-apps/pkg/nn"
	"github.com/njjetha/rpicam-apps/pkg/nnsim"
	"github.com/njjetha/rpicam-apps/pkg/yuv"
	"github.com/stretchr/testify/require"
)

// testModel records how the stage drives the per-model hooks.
// interpretCalls is only touched under the stage's result lock
// (InterpretOutputs and ApplyResults), so tests observe it through the
// frame metadata or after Stop, never mid-flight.
type testModel struct {
	extrasRaw      json.RawMessage
	streams        Streams
	checkErr       error
	interpretCalls int
	lastOutputs    int
	applyCalls     int
}

func (m *testModel) ReadExtras(params json.RawMessage) error {
	m.extrasRaw = params
	return nil
}

func (m *testModel) CheckConfiguration(streams Streams) error {
	m.streams = streams
	return m.checkErr
}

func (m *testModel) InterpretOutputs(outputs []nn.Tensor) {
	m.interpretCalls++
	m.lastOutputs = len(outputs)
}

func (m *testModel) ApplyResults(req *Request) {
	m.applyCalls++
	req.SetMetadata("test.interpretCalls", m.interpretCalls)
}

// Write an nnsim descriptor for a w x h uint8 model
func writeModelFile(t *testing.T, w, h, latencyMS int, fail bool) string {
	filename := filepath.Join(t.TempDir(), "model.json")
	descriptor := fmt.Sprintf(`{
		"width": %v, "height": %v, "channels": 3, "type": "uint8",
		"latencyMS": %v, "fail": %v,
		"outputs": [{"shape":[1,2],"type":"float32","data":[0.5,0.25]}]
	}`, w, h, latencyMS, fail)
	require.NoError(t, os.WriteFile(filename, []byte(descriptor), 0644))
	return filename
}

func stageOptions(modelFile string, refreshRate int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"model_file": %q, "refresh_rate": %v}`, modelFile, refreshRate))
}

var testGeo = yuv.Geometry{Width: 64, Height: 48, Stride: 64}

func testFrame(seq uint64) *Request {
	buf := make([]byte, testGeo.BufferSize())
	for i := range buf {
		buf[i] = 128
	}
	return &Request{Sequence: seq, Lores: buf}
}

// Build a configured 32x32 stage over a solid test stream
func newTestStage(t *testing.T, modelFile string, refreshRate int) (*Stage, *testModel) {
	model := &testModel{}
	s, err := NewStage(logs.NewTestingLog(t), model, 32, 32)
	require.NoError(t, err)
	require.NoError(t, s.Read(stageOptions(modelFile, refreshRate)))
	require.NoError(t, s.Configure(Streams{
		HasLores: true,
		Lores:    testGeo,
		HasMain:  true,
		Main:     yuv.Geometry{Width: 640, Height: 480, Stride: 640},
	}))
	return s, model
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(json.RawMessage(`{"model_file":"m.json"}`))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.NumThreads)
	require.Equal(t, 5, cfg.RefreshRate)
	require.Equal(t, 0, cfg.Verbose)
	require.EqualValues(t, 127.5, cfg.NormOffset)
	require.EqualValues(t, 127.5, cfg.NormScale)

	cfg, err = ParseConfig(json.RawMessage(`{"model_file":"m.json","refresh_rate":0,"number_of_threads":-1,"normalisation_offset":0,"normalisation_scale":255}`))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.RefreshRate)
	require.Equal(t, -1, cfg.NumThreads)
	require.EqualValues(t, 0, cfg.NormOffset)
	require.EqualValues(t, 255, cfg.NormScale)

	_, err = ParseConfig(json.RawMessage(`{}`))
	require.ErrorIs(t, err, nn.ErrConfiguration)

	_, err = ParseConfig(nil)
	require.ErrorIs(t, err, nn.ErrConfiguration)
}

func TestBadInputDimensions(t *testing.T) {
	_, err := NewStage(logs.NewTestingLog(t), &testModel{}, 0, 32)
	require.ErrorIs(t, err, nn.ErrConfiguration)
	_, err = NewStage(logs.NewTestingLog(t), &testModel{}, 32, -1)
	require.ErrorIs(t, err, nn.ErrConfiguration)
}

func TestReadMissingModel(t *testing.T) {
	s, err := NewStage(logs.NewTestingLog(t), &testModel{}, 32, 32)
	require.NoError(t, err)
	err = s.Read(stageOptions(filepath.Join(t.TempDir(), "nope.json"), 5))
	require.ErrorIs(t, err, nn.ErrModelLoad)
}

// The model declares a different input size than the stage was built
// for: construction must fail before any frame is processed.
func TestInputSizeMismatch(t *testing.T) {
	modelFile := writeModelFile(t, 64, 64, 0, false)
	s, err := NewStage(logs.NewTestingLog(t), &testModel{}, 32, 32)
	require.NoError(t, err)
	err = s.Read(stageOptions(modelFile, 5))
	require.ErrorIs(t, err, nn.ErrConfiguration)
	require.Contains(t, err.Error(), "mismatch")
}

func TestReadExtrasForwarded(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	model := &testModel{}
	s, err := NewStage(logs.NewTestingLog(t), model, 32, 32)
	require.NoError(t, err)
	params := json.RawMessage(fmt.Sprintf(`{"model_file": %q, "custom_option": 7}`, modelFile))
	require.NoError(t, s.Read(params))
	require.JSONEq(t, string(params), string(model.extrasRaw))
	s.Stop()
}

func TestCheckConfigurationFailurePropagates(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	model := &testModel{checkErr: fmt.Errorf("%w: needs a main stream", nn.ErrConfiguration)}
	s, err := NewStage(logs.NewTestingLog(t), model, 32, 32)
	require.NoError(t, err)
	require.NoError(t, s.Read(stageOptions(modelFile, 5)))
	err = s.Configure(Streams{HasLores: true, Lores: testGeo})
	require.ErrorIs(t, err, nn.ErrConfiguration)
	require.True(t, model.streams.HasLores)
	s.Stop()
}

func TestRefreshRateZeroNeverLaunches(t *testing.T) {
	nnsim.ResetRunProbe()
	modelFile := writeModelFile(t, 32, 32, 0, false)
	s, model := newTestStage(t, modelFile, 0)
	for seq := uint64(0); seq < 50; seq++ {
		require.NoError(t, s.Process(testFrame(seq)))
	}
	s.Stop()
	require.EqualValues(t, 0, s.Stats().Launches)
	require.Equal(t, 0, nnsim.MaxRunsInFlight())
	require.Equal(t, 0, model.interpretCalls)
	// Results (none yet) are still attached to every frame
	require.Equal(t, 50, model.applyCalls)
}

func TestLoresTooSmallDisablesInference(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	model := &testModel{}
	s, err := NewStage(logs.NewTestingLog(t), model, 32, 32)
	require.NoError(t, err)
	require.NoError(t, s.Read(stageOptions(modelFile, 1)))
	small := yuv.Geometry{Width: 16, Height: 16, Stride: 16}
	require.NoError(t, s.Configure(Streams{HasLores: true, Lores: small, HasMain: true, Main: testGeo}))
	for seq := uint64(0); seq < 10; seq++ {
		require.NoError(t, s.Process(&Request{Sequence: seq, Lores: make([]byte, small.BufferSize())}))
	}
	s.Stop()
	require.EqualValues(t, 0, s.Stats().Launches)
}

func TestNoLoresStream(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	model := &testModel{}
	s, err := NewStage(logs.NewTestingLog(t), model, 32, 32)
	require.NoError(t, err)
	require.NoError(t, s.Read(stageOptions(modelFile, 1)))
	require.NoError(t, s.Configure(Streams{HasMain: true, Main: testGeo}))
	require.NoError(t, s.Process(testFrame(0)))
	s.Stop()
	require.EqualValues(t, 0, s.Stats().Launches)
}

// Two consecutive due frames with a slow model: the first launches, the
// second is skipped. The pipeline never waits for inference.
func TestLaunchSkipBackpressure(t *testing.T) {
	nnsim.ResetRunProbe()
	modelFile := writeModelFile(t, 32, 32, 300, false)
	s, _ := newTestStage(t, modelFile, 1)

	start := time.Now()
	require.NoError(t, s.Process(testFrame(0)))
	require.NoError(t, s.Process(testFrame(1)))
	// Neither call blocked on the 300ms forward pass
	require.Less(t, time.Since(start), 200*time.Millisecond)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.Launches)
	require.EqualValues(t, 1, stats.Skips)

	s.Stop()
	require.Equal(t, 1, nnsim.MaxRunsInFlight())
}

// Hammer the stage from several goroutines: the backend must never see
// two forward passes at once.
func TestAtMostOneInflight(t *testing.T) {
	nnsim.ResetRunProbe()
	modelFile := writeModelFile(t, 32, 32, 20, false)
	s, _ := newTestStage(t, modelFile, 1)

	wg := sync.WaitGroup{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 20; i++ {
				// Errors are not expected here, but this test is about the
				// concurrency invariant, so don't require.NoError off-thread.
				if err := s.Process(testFrame(base + i)); err != nil {
					t.Errorf("Process: %v", err)
					return
				}
			}
		}(uint64(g * 1000))
	}
	wg.Wait()
	s.Stop()

	require.Equal(t, 1, nnsim.MaxRunsInFlight())
	stats := s.Stats()
	require.GreaterOrEqual(t, stats.Launches, int64(1))
	require.EqualValues(t, 160, stats.Launches+stats.Skips)
}

func TestSequenceGating(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	s, _ := newTestStage(t, modelFile, 5)
	for seq := uint64(0); seq < 10; seq++ {
		require.NoError(t, s.Process(testFrame(seq)))
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	stats := s.Stats()
	// Due at 0 and 5; the model is fast, so neither is skipped
	require.EqualValues(t, 2, stats.Launches)
	require.EqualValues(t, 0, stats.Skips)
}

// Results are attached to every frame, even when stale, and each
// completed inference becomes visible to later frames.
func TestResultsAttachedEveryFrame(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 0, false)
	s, model := newTestStage(t, modelFile, 5)

	var lastSeen int
	for seq := uint64(0); seq < 20; seq++ {
		req := testFrame(seq)
		require.NoError(t, s.Process(req))
		lastSeen = req.Metadata["test.interpretCalls"].(int)
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	require.Equal(t, 20, model.applyCalls)
	require.GreaterOrEqual(t, lastSeen, 1)
	require.Equal(t, 1, model.lastOutputs)
}

func TestStopWaitsForInflight(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 200, false)
	s, model := newTestStage(t, modelFile, 1)

	start := time.Now()
	require.NoError(t, s.Process(testFrame(0)))
	s.Stop()
	// Stop must block until the 200ms forward pass completed
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, 1, model.interpretCalls)
}

// A forward pass failure surfaces from the next Process that observes
// it, and from every Process after that. The model's results are never
// touched by the failed pass.
func TestInferenceFailureIsFatal(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 10, true)
	s, model := newTestStage(t, modelFile, 1)

	require.NoError(t, s.Process(testFrame(0)))

	var err error
	deadline := time.Now().Add(5 * time.Second)
	for seq := uint64(1); time.Now().Before(deadline); seq++ {
		err = s.Process(testFrame(seq))
		if err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.ErrorIs(t, err, nn.ErrInference)

	// Fatal means fatal: still failing on the next frame
	require.ErrorIs(t, s.Process(testFrame(9999)), nn.ErrInference)

	s.Stop()
	require.Equal(t, 0, model.interpretCalls)
}

func TestStatsTiming(t *testing.T) {
	modelFile := writeModelFile(t, 32, 32, 50, false)
	s, _ := newTestStage(t, modelFile, 1)
	require.NoError(t, s.Process(testFrame(0)))
	s.Stop()
	stats := s.Stats()
	require.EqualValues(t, 1, stats.Inference.Samples)
	require.GreaterOrEqual(t, stats.AvgInference, 50*time.Millisecond)
}

// Package nnload wraps up our 'nn' interface layer, and has concrete
// references to our inference backend implementations, so that you can
// just call one function to load a model, and not need to know about
// the implementation details.
package nnload

import (
	"fmt"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/njjetha/rpicam-apps/pkg/nn"
	"github.com/njjetha/rpicam-apps/pkg/nnsim"
)

// LoadModel loads a neural network from disk, choosing the backend from
// the model file's extension.
func LoadModel(logger logs.Log, modelFile string, setup *nn.ModelSetup) (nn.Engine, error) {
	ext := filepath.Ext(modelFile)
	switch ext {
	case ".json":
		engine, err := nnsim.Load(modelFile, setup)
		if err != nil {
			return nil, err
		}
		logger.Infof("Loaded model %v (%vx%v %v)", modelFile, engine.InputShape().Width, engine.InputShape().Height, engine.InputShape().Type)
		return engine, nil
	default:
		// If we supported more backends (TFLite, Hailo, ...), then they'd go here
		return nil, fmt.Errorf("%w: unrecognized model type %q (recognized: .json)", nn.ErrModelLoad, modelFile)
	}
}

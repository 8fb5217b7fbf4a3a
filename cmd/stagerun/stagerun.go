package main

import (
	"fmt"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/njjetha/rpicam-apps/pkg/yuv"
	"github.com/njjetha/rpicam-apps/stage"
	"github.com/njjetha/rpicam-apps/stage/objectdetect"

	"github.com/bmharper/cimg/v2"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("stagerun", "Run an object detection stage over a raw YUV420 file")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Stage options JSON file", Required: true})
	input := parser.String("i", "input", &argparse.Options{Help: "Raw YUV420 frame file", Required: true})
	width := parser.Int("", "width", &argparse.Options{Help: "Frame width", Required: true})
	height := parser.Int("", "height", &argparse.Options{Help: "Frame height", Required: true})
	stride := parser.Int("", "stride", &argparse.Options{Help: "Row stride of the Y plane (0 = width)", Required: false, Default: 0})
	nnWidth := parser.Int("", "nnwidth", &argparse.Options{Help: "Model input width", Required: true})
	nnHeight := parser.Int("", "nnheight", &argparse.Options{Help: "Model input height", Required: true})
	fps := parser.Int("", "fps", &argparse.Options{Help: "Frame delivery rate", Required: false, Default: 30})
	output := parser.String("o", "output", &argparse.Options{Help: "Write the final annotated frame as JPEG", Required: false, Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	s, _, err := objectdetect.New(logger, *nnWidth, *nnHeight)
	check(err)

	params, err := os.ReadFile(*configFile)
	check(err)
	check(s.Read(params))

	geo := yuv.Geometry{Width: *width, Height: *height, Stride: *stride}
	if geo.Stride == 0 {
		geo.Stride = geo.Width
	}
	data, err := os.ReadFile(*input)
	check(err)
	frameSize := geo.BufferSize()
	numFrames := len(data) / frameSize
	if numFrames == 0 {
		panic(fmt.Sprintf("input is smaller than one %vx%v frame (%v bytes)", geo.Width, geo.Height, frameSize))
	}

	// The file stands in for both streams
	check(s.Configure(stage.Streams{
		HasLores: true,
		Lores:    geo,
		HasMain:  true,
		Main:     geo,
	}))

	var annotated *cimg.Image
	interval := time.Second / time.Duration(*fps)
	for seq := 0; seq < numFrames; seq++ {
		frame := data[seq*frameSize : (seq+1)*frameSize]
		req := &stage.Request{
			Sequence: uint64(seq),
			Lores:    frame,
			Main:     frame,
		}
		if *output != "" && seq == numFrames-1 {
			annotated, err = yuv.ToCImageRGB(frame, geo)
			check(err)
			req.RGB = annotated
		}
		check(s.Process(req))
		if dets, ok := req.Metadata[objectdetect.MetadataKey].([]objectdetect.Detection); ok && len(dets) > 0 {
			for _, d := range dets {
				logger.Infof("Frame %v: %v", seq, d)
			}
		}
		time.Sleep(interval)
	}
	s.Stop()

	stats := s.Stats()
	logger.Infof("Launched %v inferences, skipped %v, average forward pass %v", stats.Launches, stats.Skips, stats.AvgInference)

	if annotated != nil {
		check(annotated.WriteJPEG(*output, cimg.MakeCompressParams(cimg.Sampling444, 95, 0), 0644))
	}
}

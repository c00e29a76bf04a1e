package main

import (
	"fmt"

	"github.com/banshee-data/robot.navigator/internal/annotate"
	"github.com/banshee-data/robot.navigator/internal/api"
	"github.com/banshee-data/robot.navigator/internal/command"
	"github.com/banshee-data/robot.navigator/internal/config"
	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/pipeline"
	"github.com/banshee-data/robot.navigator/internal/serialmux"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

// buildStages assembles detection, ranging, tracking and annotation in that
// order. The tracker setting picks the stereo tracker, the per-camera IoU
// tracker, or both. The stateful pieces are also returned so the operator
// can reset them.
func buildStages(cfg *config.Config, det detection.Detector) ([]pipeline.Stage, []api.Resetter, error) {
	var resetters []api.Resetter
	if alpha := cfg.GetSmoothingAlpha(); alpha > 0 {
		smoother := detection.NewSmoother(det, alpha, cfg.GetIoUThreshold())
		resetters = append(resetters, smoother)
		det = smoother
	}

	metrics, err := detection.LoadMetrics(cfg.GetMetricsPath())
	if err != nil {
		return nil, nil, err
	}

	stages := []pipeline.Stage{
		pipeline.NewDetectionStage(det),
		pipeline.NewDistanceStage(detection.NewDistanceEstimator(metrics)),
	}

	kind := cfg.GetTracker()
	if kind == "iou" || kind == "both" {
		iou := tracking.NewIoUTracker(cfg.GetIoUThreshold(), cfg.GetMaxMissed())
		resetters = append(resetters, iou)
		stages = append(stages, pipeline.NewCameraTrackingStage(iou))
	}
	if kind == "stereo" || kind == "both" {
		var cal *tracking.StereoCalibration
		if path := cfg.GetStereoCalibrationPath(); path != "" {
			if cal, err = tracking.LoadStereoCalibration(path); err != nil {
				return nil, nil, err
			}
		}
		scfg := tracking.DefaultStereoConfig()
		scfg.Gate = cfg.GetStereoGate()
		scfg.MaxAge = cfg.GetMaxTrackAge()
		stereo := tracking.NewStereoTracker(cal, scfg)
		resetters = append(resetters, stereo)
		stages = append(stages, pipeline.NewTrackingStage(stereo))
	}

	if cfg.GetAnnotate() {
		stages = append(stages, pipeline.NewAnnotationStage(annotate.New()))
	}
	return stages, resetters, nil
}

func buildCropper(cfg *config.Config) (frame.Cropper, error) {
	crop, err := frame.LoadCropConfig(cfg.GetCropPath())
	if err != nil {
		return nil, err
	}
	// Published snapshots keep their frames, so each crop allocates.
	return frame.NewRegionCropper(crop)
}

// buildTransport returns the command transport and, for the serial
// transport, the mux that owns the port.
func buildTransport(cfg *config.Config) (command.Transport, serialmux.SerialMuxInterface, error) {
	switch cfg.GetCommandTransport() {
	case "websocket":
		return command.NewWebsocketTransport(cfg.CommandURL()), nil, nil
	case "serial":
		path := cfg.GetSerialPort()
		mux, err := serialmux.NewRealSerialMux(path, serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			return nil, nil, fmt.Errorf("open motor controller: %w", err)
		}
		return &command.SerialTransport{Mux: mux, Path: path}, mux, nil
	default:
		return nil, nil, fmt.Errorf("unknown command transport %q", cfg.GetCommandTransport())
	}
}

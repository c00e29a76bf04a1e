// Package telemetry exposes the live perception and control state outside
// the process: a gRPC stream of snapshots for remote viewers, plus chart and
// plot pages for the admin debug server. Nothing is persisted.
package telemetry

import (
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/navigation"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

// DecisionSource supplies the navigator's latest decision.
type DecisionSource interface {
	LastDecision() (navigation.Decision, bool)
}

// SnapshotToStruct flattens a snapshot, and the decision taken on it if any,
// into a structpb.Struct. Frames are not included. Unknown distances are
// omitted rather than encoded as infinities.
func SnapshotToStruct(snap *sensor.Snapshot, decision *navigation.Decision) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"seq":     float64(snap.Seq),
		"created": snap.Created.UTC().Format(time.RFC3339Nano),
		"left":    sideToMap(snap.LeftDetections),
		"right":   sideToMap(snap.RightDetections),
		"tracks":  tracksToList(snap.Tracks),
	}
	if decision != nil {
		d := map[string]interface{}{
			"left":         decision.Left,
			"right":        decision.Right,
			"snapshot_seq": float64(decision.Seq),
			"sent":         decision.Sent,
			"at":           decision.At.UTC().Format(time.RFC3339Nano),
		}
		if decision.Error != "" {
			d["error"] = decision.Error
		}
		m["decision"] = d
	}
	return structpb.NewStruct(m)
}

func sideToMap(dets []detection.Detection) map[string]interface{} {
	list := make([]interface{}, 0, len(dets))
	for _, d := range dets {
		list = append(list, detectionToMap(d))
	}
	side := map[string]interface{}{"detections": list}
	if nearest := detection.MinDistance(dets); !math.IsInf(nearest, 1) {
		side["min_distance"] = nearest
	}
	return side
}

func detectionToMap(d detection.Detection) map[string]interface{} {
	m := map[string]interface{}{
		"label":      d.Label,
		"confidence": d.Confidence,
		"bbox":       []interface{}{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
	}
	if d.Distance != nil {
		m["distance"] = *d.Distance
	}
	if d.TrackID != nil {
		m["track_id"] = float64(*d.TrackID)
	}
	return m
}

func tracksToList(tracks []tracking.Track) []interface{} {
	list := make([]interface{}, 0, len(tracks))
	for _, t := range tracks {
		list = append(list, map[string]interface{}{
			"id":       float64(t.ID),
			"label":    t.Label,
			"position": []interface{}{t.State[0], t.State[1], t.State[2]},
			"velocity": []interface{}{t.State[3], t.State[4], t.State[5]},
			"age":      float64(t.Age),
			"hits":     float64(t.Hits),
		})
	}
	return list
}

package detection

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/robot.navigator/internal/fsutil"
)

// ObjectMetrics is the per-label calibration used for distance estimation
// and sanity checks on detected boxes. Ratios are relative to the frame
// size; distances are in the same unit the navigator thresholds use.
type ObjectMetrics struct {
	ClassName            string  `json:"-"`
	MinHeightRatio       float64 `json:"min_height_ratio"`
	MaxHeightRatio       float64 `json:"max_height_ratio"`
	MinWidthRatio        float64 `json:"min_width_ratio"`
	MaxWidthRatio        float64 `json:"max_width_ratio"`
	MinAspectRatio       float64 `json:"min_aspect_ratio"`
	MaxAspectRatio       float64 `json:"max_aspect_ratio"`
	EstimatedMinDistance float64 `json:"estimated_min_distance"`
	EstimatedMaxDistance float64 `json:"estimated_max_distance"`
}

// Validate checks the ratio ordering the estimator depends on.
func (m ObjectMetrics) Validate() error {
	if m.MinHeightRatio <= 0 || m.MaxHeightRatio <= 0 {
		return fmt.Errorf("%s: height ratios must be positive", m.ClassName)
	}
	if m.MinHeightRatio >= m.MaxHeightRatio {
		return fmt.Errorf("%s: min_height_ratio %.4f must be below max_height_ratio %.4f",
			m.ClassName, m.MinHeightRatio, m.MaxHeightRatio)
	}
	if m.EstimatedMinDistance > m.EstimatedMaxDistance {
		return fmt.Errorf("%s: estimated_min_distance exceeds estimated_max_distance", m.ClassName)
	}
	return nil
}

// MetricsTable maps a label to its calibration. It is loaded once and only
// read afterwards.
type MetricsTable map[string]ObjectMetrics

// Labels returns the known labels in sorted order.
func (t MetricsTable) Labels() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var metricFields = []string{
	"min_height_ratio",
	"max_height_ratio",
	"min_width_ratio",
	"max_width_ratio",
	"min_aspect_ratio",
	"max_aspect_ratio",
	"estimated_min_distance",
	"estimated_max_distance",
}

// ParseMetrics reads a metrics document of the form
// {"<label>": {"min_height_ratio": ..., ...}, ...}. Every field is required.
func ParseMetrics(data []byte) (MetricsTable, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("metrics file is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("metrics file must be a JSON object keyed by label")
	}

	table := make(MetricsTable)
	var parseErr error
	root.ForEach(func(key, value gjson.Result) bool {
		label := key.String()
		vals := make([]float64, len(metricFields))
		for i, field := range metricFields {
			r := value.Get(field)
			if !r.Exists() || r.Type != gjson.Number {
				parseErr = fmt.Errorf("metrics for %q: missing numeric %q", label, field)
				return false
			}
			vals[i] = r.Float()
		}
		m := ObjectMetrics{
			ClassName:            label,
			MinHeightRatio:       vals[0],
			MaxHeightRatio:       vals[1],
			MinWidthRatio:        vals[2],
			MaxWidthRatio:        vals[3],
			MinAspectRatio:       vals[4],
			MaxAspectRatio:       vals[5],
			EstimatedMinDistance: vals[6],
			EstimatedMaxDistance: vals[7],
		}
		if err := m.Validate(); err != nil {
			parseErr = err
			return false
		}
		table[label] = m
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return table, nil
}

// LoadMetrics reads and parses the metrics file at path.
func LoadMetrics(path string) (MetricsTable, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics file: %w", err)
	}
	table, err := ParseMetrics(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

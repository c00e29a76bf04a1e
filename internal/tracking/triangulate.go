package tracking

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/robot.navigator/internal/fsutil"
)

// ErrDegeneratePoint is returned when the triangulated point lies at
// infinity, typically because the two rays are parallel.
var ErrDegeneratePoint = errors.New("triangulated point at infinity")

// StereoCalibration holds the 3x4 projection matrices of both cameras.
type StereoCalibration struct {
	PLeft  *mat.Dense
	PRight *mat.Dense
}

// ParseStereoCalibration reads {"P_left": [[..4]x3], "P_right": [[..4]x3]}.
func ParseStereoCalibration(data []byte) (*StereoCalibration, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("stereo calibration is not valid JSON")
	}
	left, err := projectionMatrix(gjson.GetBytes(data, "P_left"), "P_left")
	if err != nil {
		return nil, err
	}
	right, err := projectionMatrix(gjson.GetBytes(data, "P_right"), "P_right")
	if err != nil {
		return nil, err
	}
	return &StereoCalibration{PLeft: left, PRight: right}, nil
}

// LoadStereoCalibration reads the calibration file at path. An empty path
// means no calibration and returns (nil, nil).
func LoadStereoCalibration(path string) (*StereoCalibration, error) {
	if path == "" {
		return nil, nil
	}
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stereo calibration: %w", err)
	}
	cal, err := ParseStereoCalibration(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cal, nil
}

func projectionMatrix(r gjson.Result, name string) (*mat.Dense, error) {
	if !r.Exists() {
		return nil, fmt.Errorf("stereo calibration missing %q", name)
	}
	rows := r.Array()
	if len(rows) != 3 {
		return nil, fmt.Errorf("%s: want 3 rows, got %d", name, len(rows))
	}
	data := make([]float64, 0, 12)
	for i, row := range rows {
		cols := row.Array()
		if len(cols) != 4 {
			return nil, fmt.Errorf("%s row %d: want 4 columns, got %d", name, i, len(cols))
		}
		for _, c := range cols {
			if c.Type != gjson.Number {
				return nil, fmt.Errorf("%s row %d: non-numeric entry %q", name, i, c.Raw)
			}
			data = append(data, c.Float())
		}
	}
	return mat.NewDense(3, 4, data), nil
}

// Triangulate recovers the 3D point whose projections are left and right
// using the linear (DLT) method: the point is the right singular vector of
// the stacked constraint matrix with the smallest singular value.
func (c *StereoCalibration) Triangulate(left, right [2]float64) ([3]float64, error) {
	a := mat.NewDense(4, 4, nil)
	setConstraintRows(a, 0, c.PLeft, left)
	setConstraintRows(a, 2, c.PRight, right)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return [3]float64{}, fmt.Errorf("SVD factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return [3]float64{}, ErrDegeneratePoint
	}
	return [3]float64{v.At(0, 3) / w, v.At(1, 3) / w, v.At(2, 3) / w}, nil
}

// setConstraintRows writes u*P3 - P1 and v*P3 - P2 into rows row, row+1.
func setConstraintRows(a *mat.Dense, row int, p *mat.Dense, pt [2]float64) {
	for j := 0; j < 4; j++ {
		a.Set(row, j, pt[0]*p.At(2, j)-p.At(0, j))
		a.Set(row+1, j, pt[1]*p.At(2, j)-p.At(1, j))
	}
}

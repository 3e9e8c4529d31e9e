package calib

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// document is the XML shape of calibration.xml. A <water>
// stanza at the document root enables the refractive model for every
// camera in the file; its absence means every camera is plain Pinhole.
type document struct {
	XMLName xml.Name      `xml:"calibration"`
	Water   *float64      `xml:"water"`
	Cameras []cameraEntry `xml:"cameras>camera"`
}

type cameraEntry struct {
	Name string  `xml:"name"`
	Fx   float64 `xml:"fx"`
	Fy   float64 `xml:"fy"`
	Cx   float64 `xml:"cx"`
	Cy   float64 `xml:"cy"`
	K1   float64 `xml:"k1"`
	K2   float64 `xml:"k2"`
	K3   float64 `xml:"k3"`
	P1   float64 `xml:"p1"`
	P2   float64 `xml:"p2"`
	Pose poseEntry `xml:"pose"`
}

type poseEntry struct {
	R string `xml:"r"` // 9 space-separated row-major entries
	T string `xml:"t"` // 3 space-separated entries
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

// Load reads a calibration.xml document and returns one Calibration per
// camera, keyed by camera name. If the document has a <water> stanza,
// every camera is wrapped in the refractive model with that index;
// otherwise every camera is a plain Pinhole.
func Load(path string) (map[string]Pinhole, map[string]Refractive, float64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, 0, false, fmt.Errorf("reading calibration file: %w", err)
	}

	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, 0, false, fmt.Errorf("parsing calibration XML: %w", err)
	}

	pinholes := make(map[string]Pinhole, len(doc.Cameras))
	for _, c := range doc.Cameras {
		r, err := parseFloats(c.Pose.R, 9)
		if err != nil {
			return nil, nil, 0, false, fmt.Errorf("camera %q pose rotation: %w", c.Name, err)
		}
		t, err := parseFloats(c.Pose.T, 3)
		if err != nil {
			return nil, nil, 0, false, fmt.Errorf("camera %q pose translation: %w", c.Name, err)
		}
		pose := Pose{
			R: [3][3]float64{
				{r[0], r[1], r[2]},
				{r[3], r[4], r[5]},
				{r[6], r[7], r[8]},
			},
			T: [3]float64{t[0], t[1], t[2]},
		}
		pinholes[c.Name] = Pinhole{
			Pose: pose,
			Intrinsics: Intrinsics{
				Fx: c.Fx, Fy: c.Fy, Cx: c.Cx, Cy: c.Cy,
				K1: c.K1, K2: c.K2, K3: c.K3, P1: c.P1, P2: c.P2,
			},
		}
	}

	if doc.Water == nil {
		return pinholes, nil, 0, false, nil
	}

	n := *doc.Water
	refractives := make(map[string]Refractive, len(pinholes))
	for name, p := range pinholes {
		refractives[name] = Refractive{Pinhole: p, N: n}
	}
	return pinholes, refractives, n, true, nil
}

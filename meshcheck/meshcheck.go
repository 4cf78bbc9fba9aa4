// Package meshcheck inspects downloaded model geometry and produces a
// printability report: vertex/face statistics, bounding box, a
// watertightness check via edge counting, and a 1-5 score with issues
// and recommendations. Only binary STL payloads are analyzed; other
// formats are passed through without a report.
package meshcheck

import (
	"fmt"
	"strings"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// Scoring thresholds, in millimeters and face counts. Tuned for
// consumer FDM printers with a ~300mm bed.
const (
	maxPrintDimension = 300.0
	minPrintDimension = 10.0
	thinFeatureLimit  = 1.0
	maxFaceCount      = 500000
	minFaceCount      = 100
	degenerateArea    = 1e-10
)

// Supported reports whether Analyze understands the format.
func Supported(format string) bool {
	return strings.EqualFold(format, "stl")
}

// Analyze parses a binary STL payload and scores its printability.
func Analyze(data []byte) (*types.PrintabilityReport, error) {
	if !IsBinarySTL(data) {
		return nil, types.NewError(types.ErrInvalidArgument, "payload is not binary STL")
	}
	m, err := parseBinarySTL(data)
	if err != nil {
		return nil, err
	}
	if len(m.Triangles) == 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "mesh has no triangles")
	}

	report := &types.PrintabilityReport{
		Stats: collectStats(m),
		Score: 5,
	}
	scoreIssues(m, report)
	return report, nil
}

func collectStats(m *mesh) types.MeshStats {
	vertices := make(map[vec3]struct{})
	min := m.Triangles[0].V[0]
	max := min
	for _, t := range m.Triangles {
		for _, v := range t.V {
			vertices[v] = struct{}{}
			min = vec3{X: minf(min.X, v.X), Y: minf(min.Y, v.Y), Z: minf(min.Z, v.Z)}
			max = vec3{X: maxf(max.X, v.X), Y: maxf(max.Y, v.Y), Z: maxf(max.Z, v.Z)}
		}
	}
	return types.MeshStats{
		VertexCount: len(vertices),
		FaceCount:   len(m.Triangles),
		BoundingBox: types.BoundingBox{
			Width:  max.X - min.X,
			Height: max.Y - min.Y,
			Depth:  max.Z - min.Z,
		},
		Watertight: watertight(m),
	}
}

// watertight holds when every undirected edge is shared by exactly two
// triangles.
func watertight(m *mesh) bool {
	type edge struct{ A, B vec3 }
	edges := make(map[edge]int, len(m.Triangles)*3)
	for _, t := range m.Triangles {
		for i := 0; i < 3; i++ {
			a, b := t.V[i], t.V[(i+1)%3]
			if less(b, a) {
				a, b = b, a
			}
			edges[edge{a, b}]++
		}
	}
	for _, n := range edges {
		if n != 2 {
			return false
		}
	}
	return true
}

func scoreIssues(m *mesh, report *types.PrintabilityReport) {
	addIssue := func(penalty int, issue, recommendation string) {
		report.Issues = append(report.Issues, issue)
		if recommendation != "" {
			report.Recommendations = append(report.Recommendations, recommendation)
		}
		report.Score -= penalty
	}

	if !report.Stats.Watertight {
		addIssue(2, "Mesh is not watertight (has holes or gaps)",
			"Enable hole filling to repair the mesh")
	}

	degenerate := 0
	inverted := 0
	for _, t := range m.Triangles {
		if t.area() < degenerateArea {
			degenerate++
			continue
		}
		computed := t.V[1].sub(t.V[0]).cross(t.V[2].sub(t.V[0]))
		if t.Normal.norm() > 0 && computed.dot(t.Normal) < 0 {
			inverted++
		}
	}
	if degenerate > 0 {
		addIssue(1, fmt.Sprintf("Found %d degenerate faces (zero area)", degenerate),
			"Run mesh cleanup to remove degenerate faces")
	}
	if inverted > 0 {
		addIssue(1, fmt.Sprintf("%d face normals appear inverted", inverted),
			"Fix normal orientation before printing")
	}

	faces := report.Stats.FaceCount
	if faces > maxFaceCount {
		addIssue(1, fmt.Sprintf("High polygon count (%d faces) may slow printing software", faces),
			"Simplify the mesh to reduce polygon count")
	} else if faces < minFaceCount {
		addIssue(1, fmt.Sprintf("Very low polygon count (%d faces)", faces),
			"Model may appear faceted when printed")
	}

	bb := report.Stats.BoundingBox
	maxDim := maxf(bb.Width, maxf(bb.Height, bb.Depth))
	minDim := minf(bb.Width, minf(bb.Height, bb.Depth))
	if maxDim > maxPrintDimension {
		addIssue(1, fmt.Sprintf("Model is large (%.1fmm) and may not fit the print bed", maxDim),
			"Scale the model down to fit the printer")
	} else if maxDim < minPrintDimension {
		addIssue(0, fmt.Sprintf("Model is small (%.1fmm), fine details may not print", maxDim),
			"Scale the model up for better detail")
	}
	if minDim < thinFeatureLimit {
		addIssue(1, fmt.Sprintf("Minimum dimension is very thin (%.2fmm)", minDim),
			"Very thin features may not print successfully")
	}

	if report.Score < 1 {
		report.Score = 1
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func less(a, b vec3) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

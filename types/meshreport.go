package types

// MeshStats holds geometry statistics extracted from a downloaded model.
type MeshStats struct {
	VertexCount int         `bson:"vertexCount" json:"vertexCount"`
	FaceCount   int         `bson:"faceCount" json:"faceCount"`
	BoundingBox BoundingBox `bson:"boundingBox" json:"boundingBox"`
	Watertight  bool        `bson:"watertight" json:"watertight"`
}

// BoundingBox is the axis-aligned extent of a mesh in millimeters.
type BoundingBox struct {
	Width  float64 `bson:"width" json:"width"`
	Height float64 `bson:"height" json:"height"`
	Depth  float64 `bson:"depth" json:"depth"`
}

// PrintabilityReport summarizes how well a mesh will 3D-print.
// Score ranges 1 (poor) to 5 (ready to print).
type PrintabilityReport struct {
	Stats           MeshStats `bson:"stats" json:"stats"`
	Issues          []string  `bson:"issues,omitempty" json:"issues,omitempty"`
	Recommendations []string  `bson:"recommendations,omitempty" json:"recommendations,omitempty"`
	Score           int       `bson:"score" json:"score"`
}

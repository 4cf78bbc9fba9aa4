package meshcheck

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// binary STL layout: 80-byte header, uint32 triangle count, then 50
// bytes per triangle (normal, three vertices, attribute count).
const (
	stlHeaderSize   = 80
	stlTriangleSize = 50
)

type vec3 struct{ X, Y, Z float64 }

func (v vec3) sub(o vec3) vec3 { return vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v vec3) cross(o vec3) vec3 {
	return vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

func (v vec3) dot(o vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v vec3) norm() float64 { return math.Sqrt(v.dot(v)) }

type triangle struct {
	Normal vec3
	V      [3]vec3
}

// area returns the triangle surface area.
func (t triangle) area() float64 {
	return t.V[1].sub(t.V[0]).cross(t.V[2].sub(t.V[0])).norm() / 2
}

// mesh is a parsed triangle soup.
type mesh struct {
	Triangles []triangle
}

// IsBinarySTL sniffs the payload. ASCII STL starts with "solid" and the
// declared binary size must match the byte length.
func IsBinarySTL(data []byte) bool {
	if len(data) < stlHeaderSize+4 {
		return false
	}
	count := binary.LittleEndian.Uint32(data[stlHeaderSize:])
	expected := stlHeaderSize + 4 + int(count)*stlTriangleSize
	if expected == len(data) {
		return true
	}
	return !bytes.HasPrefix(bytes.TrimSpace(data), []byte("solid"))
}

// parseBinarySTL decodes the triangle records. Truncated payloads fail
// with invalid-argument.
func parseBinarySTL(data []byte) (*mesh, error) {
	if len(data) < stlHeaderSize+4 {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "stl payload too short: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[stlHeaderSize:]))
	body := data[stlHeaderSize+4:]
	if len(body) < count*stlTriangleSize {
		return nil, types.NewErrorf(types.ErrInvalidArgument,
			"stl declares %d triangles but carries only %d bytes", count, len(body))
	}

	m := &mesh{Triangles: make([]triangle, 0, count)}
	for i := 0; i < count; i++ {
		rec := body[i*stlTriangleSize:]
		var t triangle
		t.Normal = readVec3(rec)
		t.V[0] = readVec3(rec[12:])
		t.V[1] = readVec3(rec[24:])
		t.V[2] = readVec3(rec[36:])
		m.Triangles = append(m.Triangles, t)
	}
	return m, nil
}

func readVec3(b []byte) vec3 {
	return vec3{
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))),
	}
}

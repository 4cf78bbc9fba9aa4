package synthesis

import (
	"bytes"
	"fmt"
	"image"
	"sort"

	// Decoders for the formats the synthesis models emit.
	_ "image/jpeg"
	_ "image/png"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// paletteSize bounds the per-image palette; dominantSize bounds the
// aggregated dominant-colors prefix.
const (
	paletteSize  = 8
	dominantSize = 5
)

// ExtractPalette computes the dominant colors of an encoded image by
// quantizing to 4 bits per channel and counting pixels. Colors come
// back ordered by descending frequency, ties broken by hex value so
// the result is deterministic.
func ExtractPalette(encoded []byte) ([]types.PaletteColor, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	counts := make(map[string]int)
	b := img.Bounds()

	// Sample a bounded grid rather than every pixel; palettes do not
	// need more resolution than this.
	stepX := b.Dx() / 64
	if stepX < 1 {
		stepX = 1
	}
	stepY := b.Dy() / 64
	if stepY < 1 {
		stepY = 1
	}

	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			// Quantize each channel to its top 4 bits.
			qr := (r >> 12) << 4
			qg := (g >> 12) << 4
			qb := (bl >> 12) << 4
			hex := fmt.Sprintf("#%02x%02x%02x", qr, qg, qb)
			counts[hex]++
		}
	}

	colors := rankColors(counts)
	if len(colors) > paletteSize {
		colors = colors[:paletteSize]
	}
	return colors, nil
}

// AggregatePalettes merges per-angle palettes into a frequency-ranked
// union. DominantColors is always a prefix of Unified by descending
// frequency; the result is independent of the order in which the
// palettes are supplied.
func AggregatePalettes(palettes ...[]types.PaletteColor) *types.AggregatedPalette {
	counts := make(map[string]int)
	for _, p := range palettes {
		for _, c := range p {
			counts[c.Hex] += c.Frequency
		}
	}

	unified := rankColors(counts)
	n := dominantSize
	if len(unified) < n {
		n = len(unified)
	}
	dominant := make([]string, 0, n)
	for _, c := range unified[:n] {
		dominant = append(dominant, c.Hex)
	}
	return &types.AggregatedPalette{Unified: unified, DominantColors: dominant}
}

func rankColors(counts map[string]int) []types.PaletteColor {
	colors := make([]types.PaletteColor, 0, len(counts))
	for hex, freq := range counts {
		colors = append(colors, types.PaletteColor{Hex: hex, Frequency: freq})
	}
	sort.Slice(colors, func(i, j int) bool {
		if colors[i].Frequency != colors[j].Frequency {
			return colors[i].Frequency > colors[j].Frequency
		}
		return colors[i].Hex < colors[j].Hex
	})
	return colors
}

package main

import (
	"image"
	"math"
)

// flashLUT returns the per-channel mapping out = in*v + (1-v)*255,
// rounded and clamped to a byte.
func flashLUT(v float64) [256]uint8 {
	var lut [256]uint8
	for x := 0; x < 256; x++ {
		y := math.Round(float64(x)*v + (1-v)*255)
		switch {
		case y < 0:
			y = 0
		case y > 255:
			y = 255
		}
		lut[x] = uint8(y)
	}
	return lut
}

// applyFlash distorts img in place for a blend weight in [0,1].
// v = 2 - weight, so weight 1 leaves the frame untouched and weight 0
// gives 2*in - 255. Alpha is preserved.
func applyFlash(img *image.RGBA, weight float64) {
	if img == nil {
		return
	}
	v := 2 - clamp01(weight)
	if v == 1 {
		return
	}
	lut := flashLUT(v)

	b := img.Bounds()
	rowLen := b.Dx() * 4
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		row := img.Pix[off : off+rowLen : off+rowLen]
		for i := 0; i < len(row); i += 4 {
			row[i] = lut[row[i]]
			row[i+1] = lut[row[i+1]]
			row[i+2] = lut[row[i+2]]
		}
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// crossfadeVolumes splits 100 between the outgoing and incoming tracks for a
// blend weight. The two always sum to exactly 100.
func crossfadeVolumes(weight float64) (outgoing, incoming int) {
	outgoing = int(math.Round(volumeMax * clamp01(weight)))
	return outgoing, volumeMax - outgoing
}

package main

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// overlayColor is the pale blue the count has always been drawn in.
var overlayColor = color.RGBA{R: 152, G: 167, B: 232, A: 255}

// CountOverlay draws the current count onto frames. Glyph images are
// rendered once per count and reused.
type CountOverlay struct {
	// Origin is the bottom-left corner of the text.
	Origin image.Point
	Scale  int
	Color  color.RGBA

	cache map[int]*image.RGBA
}

// NewCountOverlay returns an overlay drawing at origin, scaled by an integer factor.
func NewCountOverlay(origin image.Point, scale int, c color.RGBA) *CountOverlay {
	if scale < 1 {
		scale = 1
	}
	return &CountOverlay{
		Origin: origin,
		Scale:  scale,
		Color:  c,
		cache:  make(map[int]*image.RGBA),
	}
}

// Draw composites the count onto dst in place.
func (o *CountOverlay) Draw(dst *image.RGBA, count int) {
	if dst == nil {
		return
	}
	glyph := o.glyph(count)
	gb := glyph.Bounds()
	r := image.Rect(o.Origin.X, o.Origin.Y-gb.Dy(), o.Origin.X+gb.Dx(), o.Origin.Y)
	draw.Draw(dst, r, glyph, gb.Min, draw.Over)
}

func (o *CountOverlay) glyph(count int) *image.RGBA {
	if g, ok := o.cache[count]; ok {
		return g
	}
	g := renderText(strconv.Itoa(count), o.Color, o.Scale)
	o.cache[count] = g
	return g
}

// renderText draws s with the 7x13 bitmap face and scales it up with
// nearest-neighbour so the glyph edges stay crisp.
func renderText(s string, c color.RGBA, scale int) *image.RGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, s).Ceil()
	height := face.Metrics().Height.Ceil()

	small := image.NewRGBA(image.Rect(0, 0, width, height))
	d := font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	if scale == 1 {
		return small
	}
	big := image.NewRGBA(image.Rect(0, 0, width*scale, height*scale))
	xdraw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return big
}

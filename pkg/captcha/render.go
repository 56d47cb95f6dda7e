package captcha

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math/rand"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	imgWidth  = 180
	imgHeight = 60
)

// renderDataURI draws the question onto a noisy PNG and returns it as
// a base64 data URI suitable for an <img> src attribute.
func renderDataURI(question string, rnd *rand.Rand) (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, imgWidth, imgHeight))

	bg := color.RGBA{R: 240, G: 240, B: 245, A: 255}
	for y := 0; y < imgHeight; y++ {
		for x := 0; x < imgWidth; x++ {
			img.Set(x, y, bg)
		}
	}

	// Light noise lines make naive OCR work for its answer.
	for i := 0; i < 6; i++ {
		drawLine(img, rnd.Intn(imgWidth), rnd.Intn(imgHeight), rnd.Intn(imgWidth), rnd.Intn(imgHeight),
			color.RGBA{R: uint8(120 + rnd.Intn(100)), G: uint8(120 + rnd.Intn(100)), B: uint8(120 + rnd.Intn(100)), A: 255})
	}

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, question).Ceil()
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 30, G: 30, B: 60, A: 255}),
		Face: face,
		Dot: fixed.P((imgWidth-textWidth)/2,
			imgHeight/2+face.Metrics().Ascent.Ceil()/2),
	}
	drawer.DrawString(question)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// drawLine is a minimal Bresenham implementation; no drawing dependency
// is worth pulling in for noise lines.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

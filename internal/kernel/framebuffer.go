package kernel

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"github.com/tinyrange/hhboot/internal/bootinfo"
)

// Flush converts an RGBA backbuffer into framebuffer bytes for fb, honouring
// its pixel order and stride. Pixels outside the image are left zero.
func Flush(im *image.RGBA, fb bootinfo.Framebuffer) ([]byte, error) {
	pitch := int(fb.Stride) * bootinfo.BytesPerPixel
	width := min(int(fb.Width), im.Bounds().Dx())
	height := min(int(fb.Height), im.Bounds().Dy())
	if fb.Stride < fb.Width {
		return nil, fmt.Errorf("kernel: framebuffer stride %d below width %d", fb.Stride, fb.Width)
	}

	dst := make([]byte, pitch*int(fb.Height))
	for y := 0; y < height; y++ {
		srcRow := im.Pix[y*im.Stride:]
		dstRow := dst[y*pitch:]
		for x := 0; x < width; x++ {
			si, di := x*4, x*bootinfo.BytesPerPixel
			r, g, b := srcRow[si+0], srcRow[si+1], srcRow[si+2]
			switch fb.Format {
			case bootinfo.PixelRGB:
				dstRow[di+0], dstRow[di+1], dstRow[di+2] = r, g, b
			case bootinfo.PixelBGR:
				dstRow[di+0], dstRow[di+1], dstRow[di+2] = b, g, r
			default:
				return nil, fmt.Errorf("kernel: unsupported pixel format %v", fb.Format)
			}
		}
	}
	return dst, nil
}

// Capture decodes framebuffer bytes back into a drawing context, e.g. to
// save a screenshot.
func Capture(pix []byte, fb bootinfo.Framebuffer) (*gg.Context, error) {
	pitch := int(fb.Stride) * bootinfo.BytesPerPixel
	if len(pix) < pitch*int(fb.Height) {
		return nil, fmt.Errorf("kernel: framebuffer holds %d bytes, need %d", len(pix), pitch*int(fb.Height))
	}
	im := image.NewRGBA(image.Rect(0, 0, int(fb.Width), int(fb.Height)))
	for y := 0; y < int(fb.Height); y++ {
		srcRow := pix[y*pitch:]
		dstRow := im.Pix[y*im.Stride:]
		for x := 0; x < int(fb.Width); x++ {
			si, di := x*bootinfo.BytesPerPixel, x*4
			a, g, c := srcRow[si+0], srcRow[si+1], srcRow[si+2]
			if fb.Format == bootinfo.PixelBGR {
				a, c = c, a
			}
			dstRow[di+0], dstRow[di+1], dstRow[di+2], dstRow[di+3] = a, g, c, 0xFF
		}
	}
	return gg.NewContextForRGBA(im), nil
}

//go:build linux

package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

func decodeJPEG(src []byte, w, h int) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		return nil, fmt.Errorf("jpeg is %dx%d, expected %dx%d", b.Dx(), b.Dy(), w, h)
	}
	return img, nil
}

func jpegToRGB(bgr bool) Func {
	return func(dst, src []byte, w, h int) (int, error) {
		img, err := decodeJPEG(src, w, h)
		if err != nil {
			return 0, err
		}
		b := img.Bounds()
		o := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
				r, bl := c.R, c.B
				if bgr {
					r, bl = bl, r
				}
				dst[o], dst[o+1], dst[o+2] = r, c.G, bl
				o += 3
			}
		}
		return o, nil
	}
}

func jpegToYUV420(dst, src []byte, w, h int) (int, error) {
	img, err := decodeJPEG(src, w, h)
	if err != nil {
		return 0, err
	}
	yPlane, uPlane, vPlane, cw := planes(dst, w, h)
	ch := (h + 1) / 2

	if ycc, ok := img.(*image.YCbCr); ok && ycc.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		for y := 0; y < h; y++ {
			copy(yPlane[y*w:(y+1)*w], ycc.Y[y*ycc.YStride:y*ycc.YStride+w])
		}
		for y := 0; y < ch; y++ {
			copy(uPlane[y*cw:(y+1)*cw], ycc.Cb[y*ycc.CStride:y*ycc.CStride+cw])
			copy(vPlane[y*cw:(y+1)*cw], ycc.Cr[y*ycc.CStride:y*ycc.CStride+cw])
		}
		return yuv420Size(w, h), nil
	}

	b := img.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.YCbCrModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
			yPlane[y*w+x] = c.Y
			if y%2 == 0 && x%2 == 0 {
				i := (y/2)*cw + x/2
				uPlane[i] = c.Cb
				vPlane[i] = c.Cr
			}
		}
	}
	return yuv420Size(w, h), nil
}

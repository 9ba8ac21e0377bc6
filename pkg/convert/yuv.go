//go:build linux

package convert

import (
	"image/color"

	"github.com/smazurov/v4l2shim/pkg/linuxav/v4l2"
)

// planes splits an I420 frame into its luma and chroma planes and returns
// the chroma row width.
func planes(dst []byte, w, h int) (y, u, v []byte, cw int) {
	cw = (w + 1) / 2
	c := int(v4l2.ChromaPlaneSize(uint32(w), uint32(h)))
	return dst[:w*h], dst[w*h : w*h+c], dst[w*h+c : w*h+2*c], cw
}

func yuv420Size(w, h int) int {
	return w*h + 2*int(v4l2.ChromaPlaneSize(uint32(w), uint32(h)))
}

// yuyvToYUV420 converts packed YUYV 4:2:2 to planar I420, taking chroma
// from even rows. An odd trailing pixel carries no V sample and gets a
// neutral one.
func yuyvToYUV420(dst, src []byte, w, h int) (int, error) {
	if len(src) < w*h*2 {
		return 0, ErrShortFrame
	}
	yPlane, uPlane, vPlane, cw := planes(dst, w, h)

	for row := 0; row < h; row++ {
		line := src[row*w*2 : (row+1)*w*2]
		for x := 0; x < w; x++ {
			yPlane[row*w+x] = line[x*2]
		}
		if row%2 != 0 {
			continue
		}
		for x := 0; x < w; x += 2 {
			i := (row/2)*cw + x/2
			uPlane[i] = line[x*2+1]
			if x+1 < w {
				vPlane[i] = line[x*2+3]
			} else {
				vPlane[i] = 128
			}
		}
	}
	return yuv420Size(w, h), nil
}

// nv12ToYUV420 splits the interleaved chroma plane of NV12.
func nv12ToYUV420(dst, src []byte, w, h int) (int, error) {
	size := yuv420Size(w, h)
	if len(src) < size {
		return 0, ErrShortFrame
	}
	yPlane, u, v, _ := planes(dst, w, h)
	copy(yPlane, src[:w*h])
	uv := src[w*h : size]
	for i := range u {
		u[i] = uv[i*2]
		v[i] = uv[i*2+1]
	}
	return size, nil
}

// swapPairs turns UYVY into YUYV by swapping each byte pair.
func swapPairs(dst, src []byte, w, h int) (int, error) {
	size := w * h * 2
	if len(src) < size {
		return 0, ErrShortFrame
	}
	for i := 0; i+1 < size; i += 2 {
		dst[i], dst[i+1] = src[i+1], src[i]
	}
	return size, nil
}

func yuyvToRGB(bgr bool) Func {
	return func(dst, src []byte, w, h int) (int, error) {
		if len(src) < w*h*2 {
			return 0, ErrShortFrame
		}
		o := 0
		for i := 0; i+3 < w*h*2; i += 4 {
			y0, u, y1, v := src[i], src[i+1], src[i+2], src[i+3]
			o = putRGB(dst, o, y0, u, v, bgr)
			o = putRGB(dst, o, y1, u, v, bgr)
		}
		return o, nil
	}
}

func putRGB(dst []byte, o int, y, cb, cr uint8, bgr bool) int {
	r, g, b := color.YCbCrToRGB(y, cb, cr)
	if bgr {
		r, b = b, r
	}
	dst[o], dst[o+1], dst[o+2] = r, g, b
	return o + 3
}

// swapRB exchanges the red and blue channels of a 24-bit frame.
func swapRB(dst, src []byte, w, h int) (int, error) {
	size := w * h * 3
	if len(src) < size {
		return 0, ErrShortFrame
	}
	for i := 0; i+2 < size; i += 3 {
		dst[i], dst[i+1], dst[i+2] = src[i+2], src[i+1], src[i]
	}
	return size, nil
}

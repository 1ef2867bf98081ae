package camera

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

// NV21 layout: Width*Height luma bytes, then (Height/2) rows of (Width/2)
// interleaved V,U pairs.

// YUYVToNV21 converts a packed YUYV 4:2:2 frame into dst. Chroma is taken from
// even rows.
func YUYVToNV21(src []byte, size Size, dst []byte) error {
	w, h := size.Width, size.Height
	if len(src) < w*h*2 {
		return fmt.Errorf("yuyv frame too short: %d bytes for %s", len(src), size)
	}
	if len(dst) < size.FrameBytes() {
		return fmt.Errorf("nv21 buffer too short: %d bytes for %s", len(dst), size)
	}
	vu := dst[w*h:]
	for y := 0; y < h; y++ {
		row := src[y*w*2 : (y+1)*w*2]
		for x := 0; x < w; x++ {
			dst[y*w+x] = row[x*2]
		}
		if y%2 != 0 {
			continue
		}
		off := (y / 2) * (w / 2) * 2
		for x := 0; x+1 < w; x += 2 {
			// Y0 U Y1 V
			vu[off+x] = row[x*2+3]
			vu[off+x+1] = row[x*2+1]
		}
	}
	return nil
}

// ImageToNV21 converts img into dst. *image.YCbCr of any subsample ratio is
// copied plane by plane; other images go through color.YCbCrModel.
func ImageToNV21(img image.Image, dst []byte) error {
	b := img.Bounds()
	size := Size{Width: b.Dx(), Height: b.Dy()}
	if len(dst) < size.FrameBytes() {
		return fmt.Errorf("nv21 buffer too short: %d bytes for %s", len(dst), size)
	}
	w, h := size.Width, size.Height
	vu := dst[w*h:]

	if yc, ok := img.(*image.YCbCr); ok {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = yc.Y[yc.YOffset(b.Min.X+x, b.Min.Y+y)]
			}
		}
		for y := 0; y < h/2; y++ {
			for x := 0; x < w/2; x++ {
				ci := yc.COffset(b.Min.X+x*2, b.Min.Y+y*2)
				vu[(y*(w/2)+x)*2] = yc.Cr[ci]
				vu[(y*(w/2)+x)*2+1] = yc.Cb[ci]
			}
		}
		return nil
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.YCbCrModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
			dst[y*w+x] = c.Y
			if x%2 == 0 && y%2 == 0 && x/2 < w/2 && y/2 < h/2 {
				i := ((y/2)*(w/2) + x/2) * 2
				vu[i] = c.Cr
				vu[i+1] = c.Cb
			}
		}
	}
	return nil
}

// NV21ToImage wraps an NV21 frame as a 4:2:0 image.YCbCr. Luma is shared with
// data; chroma is de-interleaved into new planes.
func NV21ToImage(data []byte, size Size) (*image.YCbCr, error) {
	if len(data) < size.FrameBytes() {
		return nil, fmt.Errorf("nv21 frame too short: %d bytes for %s", len(data), size)
	}
	w, h := size.Width, size.Height
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+w], data[y*w:(y+1)*w])
	}
	vu := data[w*h:]
	for y := 0; y < h/2; y++ {
		for x := 0; x < w/2; x++ {
			i := (y*(w/2) + x) * 2
			ci := y*img.CStride + x
			img.Cr[ci] = vu[i]
			img.Cb[ci] = vu[i+1]
		}
	}
	return img, nil
}

// EncodeJPEG writes an NV21 frame as JPEG.
func EncodeJPEG(w io.Writer, nv21 []byte, size Size, quality int) error {
	img, err := NV21ToImage(nv21, size)
	if err != nil {
		return err
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

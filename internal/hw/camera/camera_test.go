package camera

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"
)

func TestParseFacing(t *testing.T) {
	cases := []struct {
		in      string
		want    Facing
		wantErr bool
	}{
		{"back", FacingBack, false},
		{"", FacingBack, false},
		{"FRONT", FacingFront, false},
		{" other ", FacingOther, false},
		{"sideways", FacingOther, true},
	}
	for _, tc := range cases {
		got, err := ParseFacing(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFacing(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseFacing(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSize_FrameBytes(t *testing.T) {
	cases := []struct {
		size Size
		want int
	}{
		{Size{640, 480}, 460800},
		{Size{1280, 720}, 1382400},
		{Size{2, 2}, 6},
	}
	for _, tc := range cases {
		if got := tc.size.FrameBytes(); got != tc.want {
			t.Errorf("%s.FrameBytes() = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestYUYVToNV21(t *testing.T) {
	// 2x2 frame: row 0 = Y0 U Y1 V, row 1 = Y2 U' Y3 V'
	src := []byte{
		10, 100, 20, 200,
		30, 101, 40, 201,
	}
	dst := make([]byte, Size{2, 2}.FrameBytes())
	if err := YUYVToNV21(src, Size{2, 2}, dst); err != nil {
		t.Fatalf("YUYVToNV21: %v", err)
	}
	want := []byte{10, 20, 30, 40, 200, 100}
	if !bytes.Equal(dst, want) {
		t.Errorf("nv21 = %v, want %v", dst, want)
	}
}

func TestYUYVToNV21_ShortInput(t *testing.T) {
	if err := YUYVToNV21(make([]byte, 3), Size{2, 2}, make([]byte, 6)); err == nil {
		t.Error("expected error for short source")
	}
	if err := YUYVToNV21(make([]byte, 8), Size{2, 2}, make([]byte, 5)); err == nil {
		t.Error("expected error for short destination")
	}
}

func TestNV21RoundTrip_YCbCr(t *testing.T) {
	size := Size{4, 4}
	src := make([]byte, size.FrameBytes())
	for i := range src {
		src[i] = byte(i * 7)
	}
	img, err := NV21ToImage(src, size)
	if err != nil {
		t.Fatalf("NV21ToImage: %v", err)
	}
	dst := make([]byte, size.FrameBytes())
	if err := ImageToNV21(img, dst); err != nil {
		t.Fatalf("ImageToNV21: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", dst, src)
	}
}

func TestImageToNV21_GenericImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	dst := make([]byte, Size{2, 2}.FrameBytes())
	if err := ImageToNV21(img, dst); err != nil {
		t.Fatalf("ImageToNV21: %v", err)
	}
	for i := 0; i < 4; i++ {
		if dst[i] != 255 {
			t.Errorf("luma[%d] = %d, want 255 for white", i, dst[i])
		}
	}
	if dst[4] != 128 || dst[5] != 128 {
		t.Errorf("chroma = %d,%d, want 128,128 for white", dst[4], dst[5])
	}
}

func TestEncodeJPEG(t *testing.T) {
	size := Size{16, 8}
	frame := make([]byte, size.FrameBytes())
	fillPattern(frame, size, 3)
	var out bytes.Buffer
	if err := EncodeJPEG(&out, frame, size, 90); err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(&out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Errorf("decoded %dx%d, want 16x8", cfg.Width, cfg.Height)
	}
}

// ---------- Sim ----------

func openConfigured(t *testing.T, s *Sim, id string, size Size) Handle {
	t.Helper()
	h, err := s.Open(id)
	if err != nil {
		t.Fatalf("Open(%s): %v", id, err)
	}
	if err := s.Configure(h, Config{PreviewFormat: FormatNV21, PreviewSize: size}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return h
}

func TestSim_ImplementsSubsystem(t *testing.T) {
	var _ Subsystem = NewSim(nil, 0) // compile-time check
}

func TestSim_FrameRequiresSubmittedBuffer(t *testing.T) {
	s := NewSim(nil, 0)
	size := Size{4, 2}
	h := openConfigured(t, s, "0", size)

	var frames int
	_ = s.SetFrameCallback(h, func(buf []byte) { frames++ })
	if err := s.StartStream(h); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if s.EmitFrame(h) {
		t.Error("frame produced without a submitted buffer")
	}
	_ = s.SubmitBuffer(h, make([]byte, size.FrameBytes()))
	if !s.EmitFrame(h) {
		t.Error("frame not produced with a submitted buffer")
	}
	if s.EmitFrame(h) {
		t.Error("buffer was reused without resubmission")
	}
	if frames != 1 {
		t.Errorf("frames = %d, want 1", frames)
	}
}

func TestSim_StopStreamDropsQueue(t *testing.T) {
	s := NewSim(nil, 0)
	h := openConfigured(t, s, "0", Size{4, 2})
	_ = s.SetFrameCallback(h, func([]byte) {})
	_ = s.SubmitBuffer(h, make([]byte, 12))
	_ = s.StartStream(h)
	_ = s.StopStream(h)

	if n := s.Queued(h); n != 0 {
		t.Errorf("queued after stop = %d, want 0", n)
	}
	if s.EmitFrame(h) {
		t.Error("frame produced on stopped stream")
	}
}

func TestSim_ReleasedHandleRejected(t *testing.T) {
	s := NewSim(nil, 0)
	h := openConfigured(t, s, "0", Size{4, 2})
	if err := s.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.SubmitBuffer(h, nil); !errors.Is(err, ErrBadHandle) {
		t.Errorf("SubmitBuffer after release err = %v, want ErrBadHandle", err)
	}
	if err := s.Release(h); !errors.Is(err, ErrBadHandle) {
		t.Errorf("double Release err = %v, want ErrBadHandle", err)
	}
}

func TestSim_OpenErrors(t *testing.T) {
	s := NewSim(nil, 0)
	if _, err := s.Open("missing"); err == nil {
		t.Error("expected error for unknown device")
	}
	boom := errors.New("busy")
	s.OpenErr["0"] = boom
	if _, err := s.Open("0"); !errors.Is(err, boom) {
		t.Errorf("Open err = %v, want %v", err, boom)
	}
}

func TestSim_TakePicture(t *testing.T) {
	s := NewSim(nil, 0)
	h := openConfigured(t, s, "0", Size{16, 8})

	if err := s.TakePicture(h, func(Picture, error) {}); err == nil {
		t.Error("expected error when not streaming")
	}

	_ = s.StartStream(h)
	got := make(chan Picture, 1)
	if err := s.TakePicture(h, func(p Picture, err error) {
		if err != nil {
			t.Errorf("picture error: %v", err)
		}
		got <- p
	}); err != nil {
		t.Fatalf("TakePicture: %v", err)
	}

	select {
	case p := <-got:
		if p.Format != FormatJPEG || p.Width != 16 || p.Height != 8 {
			t.Errorf("picture = %s %dx%d, want JPEG 16x8", p.Format, p.Width, p.Height)
		}
		if len(p.Data) == 0 {
			t.Error("empty picture data")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for picture")
	}
}

func TestSim_HoldPictures(t *testing.T) {
	s := NewSim(nil, 0)
	s.HoldPictures = true
	h := openConfigured(t, s, "0", Size{16, 8})
	_ = s.StartStream(h)

	got := make(chan struct{}, 2)
	_ = s.TakePicture(h, func(Picture, error) { got <- struct{}{} })

	select {
	case <-got:
		t.Fatal("picture delivered while held")
	case <-time.After(20 * time.Millisecond):
	}

	if n := s.DeliverPictures(); n != 1 {
		t.Errorf("DeliverPictures = %d, want 1", n)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for held picture")
	}
}

func TestSim_FreeRunning(t *testing.T) {
	s := NewSim(nil, 200)
	size := Size{8, 4}
	h := openConfigured(t, s, "0", size)

	frames := make(chan []byte, 8)
	_ = s.SetFrameCallback(h, func(buf []byte) {
		select {
		case frames <- buf:
		default:
		}
		_ = s.SubmitBuffer(h, buf)
	})
	_ = s.SubmitBuffer(h, make([]byte, size.FrameBytes()))
	_ = s.StartStream(h)
	defer s.Release(h)

	for i := 0; i < 3; i++ {
		select {
		case <-frames:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestDeviceInfo_SupportsFocus(t *testing.T) {
	d := DefaultSimDevices()[0]
	if !d.SupportsFocus(FocusContinuousPicture) {
		t.Error("back sim device should support continuous-picture focus")
	}
	if DefaultSimDevices()[1].SupportsFocus(FocusContinuousPicture) {
		t.Error("front sim device should not support continuous-picture focus")
	}
}

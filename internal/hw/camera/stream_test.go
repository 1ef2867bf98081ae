package camera

import (
	"errors"
	"testing"
)

func fillWith(v byte) func([]byte) error {
	return func(dst []byte) error {
		for i := range dst {
			dst[i] = v
		}
		return nil
	}
}

func TestStream_DeliverUsesSubmittedBuffer(t *testing.T) {
	var s Stream
	size := Size{Width: 4, Height: 2}
	var got [][]byte
	s.SetCallback(func(buf []byte) { got = append(got, buf) })
	s.SetRunning(true)

	s.Deliver(size, 80, fillWith(7))
	if len(got) != 0 || s.Dropped() != 1 {
		t.Fatalf("frame without buffer should drop, got %d frames, %d dropped", len(got), s.Dropped())
	}

	buf := make([]byte, size.FrameBytes())
	s.Submit(buf)
	s.Deliver(size, 80, fillWith(7))
	if len(got) != 1 || &got[0][0] != &buf[0] || got[0][0] != 7 {
		t.Fatalf("expected the submitted buffer filled with 7, got %v", got)
	}
}

func TestStream_FillErrorResubmits(t *testing.T) {
	var s Stream
	calls := 0
	s.SetCallback(func([]byte) { calls++ })
	s.SetRunning(true)
	s.Submit(make([]byte, 12))

	s.Deliver(Size{Width: 4, Height: 2}, 80, func([]byte) error { return errors.New("bad frame") })
	if calls != 0 {
		t.Error("callback must not run on a conversion error")
	}
	s.Deliver(Size{Width: 4, Height: 2}, 80, fillWith(1))
	if calls != 1 {
		t.Errorf("buffer should have been returned to the queue, calls = %d", calls)
	}
}

func TestStream_Pictures(t *testing.T) {
	var s Stream
	if err := s.RequestPicture(func(Picture, error) {}); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("RequestPicture while stopped = %v, want ErrNotStreaming", err)
	}
	s.SetRunning(true)

	var pic Picture
	var picErr error
	if err := s.RequestPicture(func(p Picture, err error) { pic, picErr = p, err }); err != nil {
		t.Fatal(err)
	}
	s.Deliver(Size{Width: 16, Height: 16}, 80, fillWith(128))
	if picErr != nil {
		t.Fatalf("picture error: %v", picErr)
	}
	if pic.Format != FormatJPEG || pic.Width != 16 || pic.Height != 16 || len(pic.Data) == 0 {
		t.Errorf("picture = %+v", pic)
	}
}

func TestStream_StopFailsPendingPictures(t *testing.T) {
	var s Stream
	s.SetRunning(true)
	s.Submit(make([]byte, 12))
	var got error
	if err := s.RequestPicture(func(_ Picture, err error) { got = err }); err != nil {
		t.Fatal(err)
	}
	s.SetRunning(false)
	if !errors.Is(got, ErrNotStreaming) {
		t.Errorf("pending picture error = %v, want ErrNotStreaming", got)
	}
	calls := 0
	s.SetCallback(func([]byte) { calls++ })
	s.Deliver(Size{Width: 4, Height: 2}, 80, fillWith(1))
	if calls != 0 {
		t.Error("a stopped stream must not deliver frames")
	}
}

func TestStream_FailReleasesPendingPictures(t *testing.T) {
	var s Stream
	s.SetRunning(true)
	s.Submit(make([]byte, 12))
	lost := errors.New("reader gone")
	var got []error
	for i := 0; i < 2; i++ {
		if err := s.RequestPicture(func(_ Picture, err error) { got = append(got, err) }); err != nil {
			t.Fatal(err)
		}
	}

	s.Fail(lost)
	if len(got) != 2 || !errors.Is(got[0], lost) || !errors.Is(got[1], lost) {
		t.Fatalf("pending pictures = %v, want two %v", got, lost)
	}
	if s.Running() {
		t.Error("stream still running after Fail")
	}
	if err := s.RequestPicture(func(Picture, error) {}); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("RequestPicture after Fail = %v, want ErrNotStreaming", err)
	}
	calls := 0
	s.SetCallback(func([]byte) { calls++ })
	s.Deliver(Size{Width: 4, Height: 2}, 80, fillWith(1))
	if calls != 0 {
		t.Error("frame delivered on a failed stream")
	}
}

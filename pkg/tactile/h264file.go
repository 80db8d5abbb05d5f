package tactile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

// H264FileSource replays an Annex-B H.264 file, one NAL unit per capture,
// starting over at the end of the file.
type H264FileSource struct {
	Path string
	FPS  int

	file   *os.File
	reader *h264reader.H264Reader
}

func (s *H264FileSource) Init(ctx context.Context) error {
	if s.FPS <= 0 {
		s.FPS = 30
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	s.file = f
	return s.rewind()
}

func (s *H264FileSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, err := h264reader.NewReader(s.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.Path, err)
	}
	s.reader = r
	return nil
}

// CaptureFrame returns the next NAL unit. At the end of the file it rewinds
// and reports no frame.
func (s *H264FileSource) CaptureFrame() (media.Sample, bool, error) {
	if s.reader == nil {
		return media.Sample{}, false, errors.New("h264 source not initialised")
	}
	nal, err := s.reader.NextNAL()
	if errors.Is(err, io.EOF) {
		return media.Sample{}, false, s.rewind()
	}
	if err != nil {
		return media.Sample{}, false, err
	}
	return media.Sample{Data: nal.Data, Duration: time.Second / time.Duration(s.FPS)}, true, nil
}

func (s *H264FileSource) Stop() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}

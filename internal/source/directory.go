package source

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	// registered decoders for replayed frames
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

const jpegQuality = 90

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// DirectorySource replays the images of a directory in name order, paced
// to a target frame rate. Frames that are not JPEG are re-encoded.
type DirectorySource struct {
	dir  string
	fps  float64
	loop bool
	log  logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	acquired bool
	files    []string
	pos      int
	seq      uint64
	lastAt   time.Time
}

// DirectoryOption configures a DirectorySource
type DirectoryOption func(*DirectorySource)

// WithFPS limits delivery to fps frames per second; zero disables pacing
func WithFPS(fps float64) DirectoryOption {
	return func(s *DirectorySource) {
		if fps > 0 {
			s.fps = fps
		}
	}
}

// WithLoop restarts from the first file after the last one
func WithLoop(loop bool) DirectoryOption {
	return func(s *DirectorySource) { s.loop = loop }
}

func WithLogger(l logger.Logger) DirectoryOption {
	return func(s *DirectorySource) {
		if l != nil {
			s.log = l
		}
	}
}

// NewDirectorySource creates an unacquired source over dir
func NewDirectorySource(dir string, opts ...DirectoryOption) *DirectorySource {
	s := &DirectorySource{
		dir: dir,
		log: logger.NewSlogLogger(nil, logger.LogLevelInfo, nil),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire lists the directory. It fails when the directory is unreadable
// or holds no images.
func (s *DirectorySource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.New(err).
			Component("source").
			Category(errors.CategorySource).
			Context("dir", s.dir).
			Build()
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return errors.Newf("no images in %s", s.dir).
			Component("source").
			Category(errors.CategorySource).
			Context("dir", s.dir).
			Build()
	}
	slices.Sort(files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.pos = 0
	s.acquired = true
	s.lastAt = time.Time{}
	s.log.Debug("frame source acquired",
		logger.String("dir", s.dir),
		logger.Int("frames", len(files)),
		logger.Bool("loop", s.loop))
	return nil
}

// Next returns the next frame, waiting as needed to keep the frame rate.
// A file that cannot be decoded is skipped.
func (s *DirectorySource) Next(ctx context.Context) (*detection.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired {
		return nil, ErrNotAcquired
	}

	for {
		if s.pos >= len(s.files) {
			if !s.loop {
				return nil, ErrEndOfStream
			}
			s.pos = 0
		}
		path := s.files[s.pos]
		s.pos++

		frame, err := loadFrame(path)
		if err != nil {
			s.log.Warn("skipping unreadable frame", logger.String("path", path), logger.Error(err))
			if s.skippedAll() {
				return nil, errors.Newf("no decodable images in %s", s.dir).
					Component("source").
					Category(errors.CategorySource).
					Build()
			}
			continue
		}

		if err := s.pace(ctx); err != nil {
			return nil, err
		}
		s.seq++
		frame.Seq = s.seq
		frame.CapturedAt = s.now()
		s.lastAt = frame.CapturedAt
		return frame, nil
	}
}

// skippedAll drops the file just tried and reports whether none remain
func (s *DirectorySource) skippedAll() bool {
	s.pos--
	s.files = slices.Delete(s.files, s.pos, s.pos+1)
	return len(s.files) == 0
}

// pace waits until one frame interval has passed since the previous frame
func (s *DirectorySource) pace(ctx context.Context) error {
	if s.fps <= 0 || s.lastAt.IsZero() {
		return ctx.Err()
	}
	interval := time.Duration(float64(time.Second) / s.fps)
	wait := interval - s.now().Sub(s.lastAt)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Release forgets the listing. It is safe to call repeatedly.
func (s *DirectorySource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		s.log.Debug("frame source released", logger.String("dir", s.dir), logger.Uint64("frames_served", s.seq))
	}
	s.acquired = false
	s.files = nil
	return nil
}

// loadFrame reads an image file and returns it as a JPEG frame
func loadFrame(path string) (*detection.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if format == "jpeg" {
		return &detection.Frame{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &detection.Frame{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

var _ Source = (*DirectorySource)(nil)

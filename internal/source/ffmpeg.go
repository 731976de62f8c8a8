package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/pipeline"
)

// restartDelay is the pause before respawning a dead ffmpeg process
const restartDelay = 2 * time.Second

// FFmpegOptions configures an FFmpegSource
type FFmpegOptions struct {
	Options
	Device     string // V4L2 device, rtsp:// or http(s):// stream
	Width      int    // V4L2 capture size
	Height     int
	FFmpegPath string
}

// FFmpegSource runs ffmpeg and reads its MJPEG image2pipe output. The
// process is respawned if it exits while the source is running.
type FFmpegSource struct {
	*capture
	opts FFmpegOptions
}

// NewFFmpegSource creates a source for opts.Device
func NewFFmpegSource(opts FFmpegOptions) *FFmpegSource {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &FFmpegSource{
		capture: newCapture("ffmpeg:"+opts.Device, opts.Options),
		opts:    opts,
	}
}

func (s *FFmpegSource) Name() string { return s.name }

// Stats returns capture counters
func (s *FFmpegSource) Stats() Stats { return s.stats() }

// Start launches the capture loop and returns immediately
func (s *FFmpegSource) Start(ctx context.Context, deliver func(*pipeline.Frame)) error {
	if _, err := exec.LookPath(s.opts.FFmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	stop, err := s.begin(deliver)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-runCtx.Done():
			}
		}()
		s.loop(runCtx)
	}()

	s.logger.Info("Started capture", zap.Int("fps", s.opts.FPS))
	return nil
}

// Stop kills ffmpeg and waits for the reader to exit
func (s *FFmpegSource) Stop() error {
	s.end()
	s.logger.Info("Stopped capture", zap.Uint64("frames", s.captured.Load()))
	return nil
}

func (s *FFmpegSource) loop(ctx context.Context) {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.restarts.Add(1)
		s.logger.Warn("ffmpeg exited, restarting", zap.Error(err), zap.Duration("delay", restartDelay))

		t := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *FFmpegSource) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.opts.FFmpegPath, s.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	// keep the last stderr line for the exit error
	lastLine := make(chan string, 1)
	go func() {
		var last string
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			last = sc.Text()
		}
		lastLine <- last
	}()

	readErr := s.read(stdout)
	waitErr := cmd.Wait()
	last := <-lastLine

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	if waitErr != nil && last != "" {
		return fmt.Errorf("%w: %s", waitErr, last)
	}
	if waitErr != nil {
		return waitErr
	}
	return io.EOF
}

func (s *FFmpegSource) read(r io.Reader) error {
	var split jpegSplitter
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			split.Write(chunk[:n])
			for frame := split.Next(); frame != nil; frame = split.Next() {
				s.emit(frame)
			}
		}
		if err != nil {
			return err
		}
	}
}

// args builds the ffmpeg command line for the device kind
func (s *FFmpegSource) args() []string {
	fps := s.opts.FPS
	if fps <= 0 {
		fps = 15
	}
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-r", strconv.Itoa(fps), "-q:v", "5", "-"}
	dev := s.opts.Device

	switch {
	case strings.HasPrefix(dev, "rtsp://"):
		return append([]string{"-hide_banner", "-loglevel", "error", "-rtsp_transport", "tcp", "-i", dev}, out...)
	case strings.HasPrefix(dev, "http://"), strings.HasPrefix(dev, "https://"):
		return append([]string{"-hide_banner", "-loglevel", "error", "-i", dev}, out...)
	default:
		in := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2", "-framerate", strconv.Itoa(fps)}
		if s.opts.Width > 0 && s.opts.Height > 0 {
			in = append(in, "-video_size", fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height))
		}
		in = append(in, "-i", dev)
		// the input already runs at fps, drop -r
		return append(in, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	}
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)

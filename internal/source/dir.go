package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"scanbox/internal/pipeline"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// DirOptions configures a DirSource
type DirOptions struct {
	Options
	Dir  string
	Loop bool // Replay from the start after the last file
}

// DirSource replays the images of a directory in name order at a fixed rate
type DirSource struct {
	*capture
	dir      string
	loop     bool
	opts     Options
	finished chan struct{}
	finish   sync.Once
}

// NewDirSource creates a replay source
func NewDirSource(opts DirOptions) *DirSource {
	return &DirSource{
		capture:  newCapture("dir:"+opts.Dir, opts.Options),
		dir:      opts.Dir,
		loop:     opts.Loop,
		opts:     opts.Options,
		finished: make(chan struct{}),
	}
}

func (s *DirSource) Name() string { return s.name }

// Stats returns capture counters
func (s *DirSource) Stats() Stats { return s.stats() }

// Finished is closed once a non-looping replay has delivered every file
func (s *DirSource) Finished() <-chan struct{} { return s.finished }

// Files lists the images that will be replayed
func (s *DirSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Start begins the replay and returns immediately. An empty directory is an error.
func (s *DirSource) Start(ctx context.Context, deliver func(*pipeline.Frame)) error {
	files, err := s.Files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no images in %s", s.dir)
	}
	stop, err := s.begin(deliver)
	if err != nil {
		return err
	}

	interval := s.opts.interval()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			for _, path := range files {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				default:
				}

				data, err := os.ReadFile(path)
				if err != nil {
					s.logger.Warn("Skipping unreadable frame", zap.String("file", path), zap.Error(err))
					continue
				}
				s.emit(data)

				if !sleep(stop, interval) {
					return
				}
			}
			if !s.loop {
				s.finish.Do(func() { close(s.finished) })
				s.logger.Info("Replay finished", zap.Int("files", len(files)))
				return
			}
		}
	}()

	s.logger.Info("Started replay", zap.Int("files", len(files)), zap.Bool("loop", s.loop))
	return nil
}

// Stop ends the replay
func (s *DirSource) Stop() error {
	s.end()
	return nil
}

var _ pipeline.FrameSource = (*DirSource)(nil)

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/pipeline"
)

// minPollInterval keeps snapshot polling from hammering the camera
const minPollInterval = 100 * time.Millisecond

// maxSnapshotBytes caps a single snapshot response
const maxSnapshotBytes = 16 << 20

// HTTPOptions configures an HTTPSource
type HTTPOptions struct {
	Options
	URL    string
	Client *http.Client
}

// HTTPSource polls a still-image endpoint such as an IP camera snapshot URL
type HTTPSource struct {
	*capture
	url    string
	client *http.Client
	every  time.Duration
}

// NewHTTPSource creates a polling source
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	every := opts.interval()
	if every < minPollInterval {
		every = minPollInterval
	}
	return &HTTPSource{
		capture: newCapture("http:"+opts.URL, opts.Options),
		url:     opts.URL,
		client:  client,
		every:   every,
	}
}

func (s *HTTPSource) Name() string { return s.name }

// Stats returns capture counters
func (s *HTTPSource) Stats() Stats { return s.stats() }

// Start begins polling and returns immediately
func (s *HTTPSource) Start(ctx context.Context, deliver func(*pipeline.Frame)) error {
	stop, err := s.begin(deliver)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.every)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, err := s.fetch(ctx)
				if err != nil {
					s.logger.Debug("Snapshot fetch failed", zap.Error(err))
					continue
				}
				s.emit(data)
			}
		}
	}()

	s.logger.Info("Started polling", zap.Duration("interval", s.every))
	return nil
}

// Stop ends polling
func (s *HTTPSource) Stop() error {
	s.end()
	return nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.every*10)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
}

var _ pipeline.FrameSource = (*HTTPSource)(nil)

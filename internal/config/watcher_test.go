package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startWatcher(t *testing.T, path string, opts ...WatcherOption[*Config]) *Watcher[*Config] {
	t.Helper()
	opts = append([]WatcherOption[*Config]{WithDebounce[*Config](50 * time.Millisecond)}, opts...)
	w := NewWatcher(path, Load, zaptest.NewLogger(t), opts...)
	require.NoError(t, w.Start())
	t.Cleanup(func() { assert.NoError(t, w.Stop()) })
	// let the watch loop settle before writing
	time.Sleep(100 * time.Millisecond)
	return w
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "[scanner]\nfocus_policy = \"center\"\n")

	received := make(chan *Config, 1)
	w := startWatcher(t, path)
	w.OnReload(func(cfg *Config) { received <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("[scanner]\nfocus_policy = \"contain\"\n"), 0o644))

	select {
	case cfg := <-received:
		assert.Equal(t, "contain", cfg.Scanner.FocusPolicy)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := writeConfig(t, "[source]\nfps = 1\n")

	var loads atomic.Int32
	loader := func(p string) (*Config, error) {
		loads.Add(1)
		return Load(p)
	}
	received := make(chan *Config, 10)
	w := NewWatcher(path, loader, zaptest.NewLogger(t), WithDebounce[*Config](200*time.Millisecond))
	w.OnReload(func(cfg *Config) { received <- cfg })
	require.NoError(t, w.Start())
	defer w.Stop()
	time.Sleep(100 * time.Millisecond)

	for i := 2; i <= 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[source]\nfps = "+string(rune('0'+i))+"\n"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case cfg := <-received:
		assert.Equal(t, 5, cfg.Source.FPS, "handlers see the latest write")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), loads.Load(), "burst collapsed into one load")
}

func TestWatcherErrorKeepsHandlersQuiet(t *testing.T) {
	path := writeConfig(t, "[scanner]\nid = \"a\"\n")

	errs := make(chan error, 1)
	var calls atomic.Int32
	w := startWatcher(t, path, WithErrorHandler[*Config](func(err error) { errs <- err }))
	w.OnReload(func(*Config) { calls.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("[scanner\n"), 0o644))

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "TOML")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload error")
	}
	assert.Zero(t, calls.Load())
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := writeConfig(t, "")

	var first, second atomic.Int32
	done := make(chan struct{}, 1)
	w := startWatcher(t, path)
	unsubscribe := w.OnReload(func(*Config) { first.Add(1) })
	w.OnReload(func(*Config) {
		second.Add(1)
		done <- struct{}{}
	})
	unsubscribe()

	require.NoError(t, os.WriteFile(path, []byte("[server]\njpeg_quality = 70\n"), 0o644))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	path := writeConfig(t, "")

	var calls atomic.Int32
	w := startWatcher(t, path)
	w.OnReload(func(*Config) { calls.Add(1) })

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x = 1\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

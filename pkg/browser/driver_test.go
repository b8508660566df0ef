package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNavigator struct {
	mu   sync.Mutex
	urls []string
	fail bool
	quit bool
}

func (n *fakeNavigator) Get(url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	if n.fail {
		return errors.New("page crashed")
	}
	return nil
}

func (n *fakeNavigator) Quit() error {
	n.mu.Lock()
	n.quit = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNavigator) gets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.urls)
}

func (n *fakeNavigator) quitCalled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quit
}

func testConfig() *Config {
	return &Config{
		HubURL:       "http://hub:4444/wd/hub",
		TestURL:      "http://test-ui/",
		BrowserName:  "chrome",
		PollInterval: 10 * time.Millisecond,
	}
}

func runDriver(t *testing.T, d *Driver) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- d.Run(ctx) }()
	return cancelFn, ch
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://selenium-hub:4444/wd/hub", cfg.HubURL)
	assert.Equal(t, "http://test-ui:80/", cfg.TestURL)
	assert.Equal(t, "chrome", cfg.BrowserName)
	assert.Equal(t, 40*time.Second, cfg.PollInterval)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HUB_REMOTE_URL", "http://localhost:4444/wd/hub")
	t.Setenv("TEST_URL", "http://localhost:8080/")
	t.Setenv("BROWSER_NAME", "firefox")
	t.Setenv("POLL_INTERVAL", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4444/wd/hub", cfg.HubURL)
	assert.Equal(t, "http://localhost:8080/", cfg.TestURL)
	assert.Equal(t, "firefox", cfg.BrowserName)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestLoadConfigRejectsBadInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "0s")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("POLL_INTERVAL", "soon")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	nav := &fakeNavigator{}
	d := New(testConfig(), func(*Config) (Navigator, error) { return nav, nil }, zap.NewNop())

	cancel, done := runDriver(t, d)
	assert.Eventually(t, func() bool { return nav.gets() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.True(t, nav.quitCalled())
	nav.mu.Lock()
	assert.Equal(t, "http://test-ui/", nav.urls[0])
	nav.mu.Unlock()
}

func TestRunSurvivesNavigationFailures(t *testing.T) {
	nav := &fakeNavigator{fail: true}
	d := New(testConfig(), func(*Config) (Navigator, error) { return nav, nil }, zap.NewNop())

	cancel, done := runDriver(t, d)
	assert.Eventually(t, func() bool { return nav.gets() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.True(t, nav.quitCalled())
}

func TestRunRetriesSessionCreation(t *testing.T) {
	nav := &fakeNavigator{}
	var mu sync.Mutex
	attempts := 0
	dial := func(*Config) (Navigator, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("hub not ready")
		}
		return nav, nil
	}
	d := New(testConfig(), dial, zap.NewNop())
	d.initialBackoff = time.Millisecond

	cancel, done := runDriver(t, d)
	assert.Eventually(t, func() bool { return nav.gets() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestRunGivesUpAfterConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	d := New(cfg, func(*Config) (Navigator, error) { return nil, errors.New("no hub") }, zap.NewNop())
	d.initialBackoff = time.Millisecond

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hub")
}

package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRodLauncher_ReusesProfileDir(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "sessions")
	opts := LaunchOptions{ProfileDir: profile, ExecutablePath: "/usr/bin/chromium"}

	first, err := rodLauncher(opts, logrus.New())
	require.NoError(t, err)
	second, err := rodLauncher(opts, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, profile, first.Get(flags.UserDataDir))
	assert.Equal(t, first.Get(flags.UserDataDir), second.Get(flags.UserDataDir))

	// The directory exists and no per-run subdirectory was created in it.
	entries, err := os.ReadDir(profile)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRodLauncher_Flags(t *testing.T) {
	l, err := rodLauncher(LaunchOptions{
		ExecutablePath: "/usr/bin/chromium",
		UserAgent:      "portalgate-test",
		ViewportWidth:  1366,
		ViewportHeight: 768,
	}, logrus.New())
	require.NoError(t, err)

	assert.False(t, l.Has(flags.Headless))
	assert.Equal(t, "/usr/bin/chromium", l.Get(flags.Bin))
	assert.Equal(t, "portalgate-test", l.Get("user-agent"))
	assert.Equal(t, "1366,768", l.Get("window-size"))
	assert.Equal(t, "AutomationControlled", l.Get("disable-blink-features"))

	headless, err := rodLauncher(LaunchOptions{Headless: true, ExecutablePath: "/usr/bin/chromium"}, logrus.New())
	require.NoError(t, err)
	assert.True(t, headless.Has(flags.Headless))
}

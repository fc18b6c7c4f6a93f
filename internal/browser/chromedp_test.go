package browser

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestAllocatorOptionsReflectConfig(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(ChromedpConfig{Headless: true}))
	full := allocatorOptions(ChromedpConfig{
		Headless:  true,
		NoSandbox: true,
		ExecPath:  "/usr/bin/chromium",
		UserAgent: "agent",
		Viewport:  Viewport{Width: 800, Height: 600},
	})
	require.Equal(t, base+4, len(full))
}

func TestResponseMetaCapturesDocumentOnly(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{URL: "https://example.com/logo.png", Status: 404},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			URL:     "https://example.com/final",
			Status:  201,
			Headers: network.Headers{"Content-Type": "text/html", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://example.com", "")
	require.Equal(t, 201, status)
	require.Equal(t, "https://example.com/final", url)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, headers, url := meta.snapshotWithFallbacks("https://example.com", "https://example.com/redirected")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://example.com/redirected", url)

	_, _, url = meta.snapshotWithFallbacks("https://example.com", "")
	require.Equal(t, "https://example.com", url)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("expected child to be cancelled")
	}
}

func TestForwardCancelStopWins(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		parent, cancelParent := context.WithCancel(context.Background())
		child, cancelChild := context.WithCancel(context.Background())

		stop := forwardCancel(parent, cancelChild)
		require.True(t, stop(), "iteration %d", i)
		require.False(t, stop(), "second stop is a no-op")
		cancelParent()

		require.NoError(t, child.Err(), "iteration %d", i)
		cancelChild()
	}
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(map[string]string{"X-Test": "a"})
	require.Equal(t, "a", headers["X-Test"])
}

package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
)

type stubBrowser struct {
	pages map[string]*browser.Page
	err   error
	seen  []browser.RenderRequest
}

func (b *stubBrowser) Render(_ context.Context, req browser.RenderRequest) (*browser.Page, error) {
	b.seen = append(b.seen, req)
	if b.err != nil {
		return nil, b.err
	}
	page, ok := b.pages[req.URL]
	if !ok {
		return &browser.Page{URL: req.URL, StatusCode: 404}, nil
	}
	return page, nil
}

func (b *stubBrowser) Ping(context.Context) error    { return nil }
func (b *stubBrowser) Cleanup(context.Context) error { return nil }
func (b *stubBrowser) Close() error                  { return nil }

const productHTML = `<html><body><h1 class="title"> Widget </h1><span id="price">$9.99</span></body></html>`

func newExtractor(t *testing.T, cfg SnapshotConfig) (*SnapshotExtractor, *memory.BlobStore) {
	t.Helper()
	blobs := memory.NewBlobStore()
	e, err := NewSnapshotExtractor(cfg, blobs, sha256.New(), zap.NewNop())
	require.NoError(t, err)
	return e, blobs
}

func TestSnapshotExtractorCapturesEveryTarget(t *testing.T) {
	t.Parallel()
	e, blobs := newExtractor(t, SnapshotConfig{Prefix: "snapshots"})
	b := &stubBrowser{pages: map[string]*browser.Page{
		"https://shop.example/a": {URL: "https://shop.example/a", StatusCode: 200, HTML: []byte(productHTML)},
		"https://shop.example/b": {URL: "https://shop.example/b?x=1", StatusCode: 200, HTML: []byte("<html></html>")},
	}}

	res, err := e.Extract(context.Background(), Request{
		TaskID: "task-1",
		Config: scrape.TaskConfig{
			URL:            "https://shop.example/a",
			AdditionalURLs: []string{"https://shop.example/b"},
			Selectors:      map[string]string{"title": "h1.title", "price": "#price"},
		},
		Browser: &browser.Handle{ID: "b1", Browser: b},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Widget", res.Records[0].Fields["title"])
	assert.Equal(t, "$9.99", res.Records[0].Fields["price"])
	assert.Equal(t, "https://shop.example/b?x=1", res.Records[1].FinalURL)
	assert.Equal(t, int64(len(productHTML)+len("<html></html>")), res.Bytes)
	assert.Len(t, res.Artifacts, 2)
	assert.Contains(t, res.Artifacts[0], "memory://snapshots/task-1/")

	data, ok := blobs.Object("snapshots/task-1/" + res.Records[0].Hash + ".html")
	require.True(t, ok)
	assert.Equal(t, productHTML, string(data))
}

func TestSnapshotExtractorClassifiesStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		want   scrape.ErrorClass
	}{
		{name: "not found is terminal", status: 404, want: scrape.ErrorClassTerminal},
		{name: "too many requests retries", status: 429, want: scrape.ErrorClassTransient},
		{name: "server error retries", status: 503, want: scrape.ErrorClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _ := newExtractor(t, SnapshotConfig{})
			b := &stubBrowser{pages: map[string]*browser.Page{
				"https://x.example/": {StatusCode: tt.status},
			}}
			_, err := e.Extract(context.Background(), Request{
				Config:  scrape.TaskConfig{URL: "https://x.example/"},
				Browser: &browser.Handle{Browser: b},
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, scrape.Classify(err))
		})
	}
}

func TestSnapshotExtractorRenderErrorIsTransient(t *testing.T) {
	t.Parallel()
	e, _ := newExtractor(t, SnapshotConfig{})
	b := &stubBrowser{err: errors.New("net::ERR_CONNECTION_RESET")}

	_, err := e.Extract(context.Background(), Request{
		Config:  scrape.TaskConfig{URL: "https://x.example/"},
		Browser: &browser.Handle{Browser: b},
	})
	require.Error(t, err)
	assert.True(t, scrape.IsTransient(err))
}

func TestSnapshotExtractorRequiresSelectors(t *testing.T) {
	t.Parallel()
	e, _ := newExtractor(t, SnapshotConfig{RequireSelectors: true})
	b := &stubBrowser{pages: map[string]*browser.Page{
		"https://x.example/": {StatusCode: 200, HTML: []byte("<html><body>loading...</body></html>")},
	}}

	_, err := e.Extract(context.Background(), Request{
		Config:  scrape.TaskConfig{URL: "https://x.example/", Selectors: map[string]string{"price": "#price"}},
		Browser: &browser.Handle{Browser: b},
	})
	require.ErrorContains(t, err, "no selector matched")
	assert.True(t, scrape.IsTransient(err))
}

func TestSnapshotExtractorStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	e, _ := newExtractor(t, SnapshotConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, Request{
		Config:  scrape.TaskConfig{URL: "https://x.example/"},
		Browser: &browser.Handle{Browser: &stubBrowser{}},
	})
	assert.Equal(t, scrape.ErrorClassCancelled, scrape.Classify(err))
}

func TestSnapshotExtractorWithoutBrowserIsFatal(t *testing.T) {
	t.Parallel()
	e, _ := newExtractor(t, SnapshotConfig{})
	_, err := e.Extract(context.Background(), Request{Config: scrape.TaskConfig{URL: "https://x.example/"}})
	assert.Equal(t, scrape.ErrorClassTerminal, scrape.Classify(err))
}

package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// SnapshotConfig controls where snapshots go.
type SnapshotConfig struct {
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
	// RequireSelectors treats a page matching none of the task's selectors as not
	// yet rendered and retries it.
	RequireSelectors bool `mapstructure:"require_selectors"`
}

// SnapshotExtractor renders each target, archives the HTML under its content
// hash and pulls the text of each configured selector.
type SnapshotExtractor struct {
	cfg    SnapshotConfig
	blobs  BlobStore
	hasher Hasher
	logger *zap.Logger
	now    func() time.Time
}

// NewSnapshotExtractor wires the extractor.
func NewSnapshotExtractor(cfg SnapshotConfig, blobs BlobStore, hasher Hasher, logger *zap.Logger) (*SnapshotExtractor, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotExtractor{
		cfg:    cfg,
		blobs:  blobs,
		hasher: hasher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Extract visits every target in order and stops at the first failure.
func (e *SnapshotExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	var res Result
	if req.Browser == nil {
		return res, scrape.Fatal(errors.New("browser handle is required"))
	}
	for _, target := range req.Config.Targets() {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("extract %s: %w", target, err)
		}
		rec, size, err := e.capture(ctx, req, target)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Bytes += size
		res.Records = append(res.Records, rec)
		res.Artifacts = append(res.Artifacts, rec.BlobURI)
	}
	return res, nil
}

func (e *SnapshotExtractor) capture(ctx context.Context, req Request, target string) (Record, int64, error) {
	page, err := req.Browser.Render(ctx, target)
	if err != nil {
		return Record{}, 0, scrape.Transient(fmt.Errorf("render %s: %w", target, err))
	}
	switch {
	case page.StatusCode >= 400 && page.StatusCode < 500 && page.StatusCode != 429:
		return Record{}, 0, scrape.Fatal(fmt.Errorf("render %s: status %d", target, page.StatusCode))
	case page.StatusCode >= 500 || page.StatusCode == 429:
		return Record{}, 0, scrape.Transient(fmt.Errorf("render %s: status %d", target, page.StatusCode))
	}

	fields, matched, err := selectFields(page.HTML, req.Config.Selectors)
	if err != nil {
		return Record{}, 0, scrape.Transient(fmt.Errorf("parse %s: %w", target, err))
	}
	if e.cfg.RequireSelectors && len(req.Config.Selectors) > 0 && matched == 0 {
		return Record{}, 0, scrape.Transient(fmt.Errorf("render %s: no selector matched", target))
	}

	hash, err := e.hasher.Hash(page.HTML)
	if err != nil {
		return Record{}, 0, fmt.Errorf("hash %s: %w", target, err)
	}
	objectPath := path.Join(e.cfg.Prefix, req.TaskID, hash+".html")
	uri, err := e.blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(page.HTML))
	if err != nil {
		return Record{}, 0, fmt.Errorf("store snapshot %s: %w", target, err)
	}

	e.logger.Debug("Snapshot stored",
		zap.String("task_id", req.TaskID),
		zap.String("url", target),
		zap.Int("status", page.StatusCode),
		zap.String("blob_uri", uri),
	)
	finalURL := page.URL
	if finalURL == "" {
		finalURL = target
	}
	return Record{
		URL:        target,
		FinalURL:   finalURL,
		StatusCode: page.StatusCode,
		Hash:       hash,
		BlobURI:    uri,
		Fields:     fields,
		FetchedAt:  e.now(),
	}, int64(len(page.HTML)), nil
}

// selectFields returns the trimmed text of the first match for each selector and
// how many selectors matched at all.
func selectFields(html []byte, selectors map[string]string) (map[string]string, int, error) {
	if len(selectors) == 0 {
		return nil, 0, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, 0, fmt.Errorf("parse html: %w", err)
	}
	fields := make(map[string]string, len(selectors))
	matched := 0
	for name, sel := range selectors {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		matched++
		fields[name] = strings.TrimSpace(found.Text())
	}
	return fields, matched, nil
}

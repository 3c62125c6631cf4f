// Package worker implements the cooperative crawl loop: it walks forum
// sections page by page, checking for control signals at checkpoints so
// a pause or stop takes effect within one page fetch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forumwatch/crawlerd/internal/control"
	"github.com/forumwatch/crawlerd/internal/crawler"
	"github.com/forumwatch/crawlerd/internal/fault"
	"github.com/forumwatch/crawlerd/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	Sections []crawler.Section
	// PageDelay is the politeness pause between page fetches.
	PageDelay time.Duration
}

// Worker executes the crawl across all configured sections.
type Worker struct {
	bridge  *control.Bridge
	loop    *control.EventLoop
	fetcher crawler.Fetcher
	parser  crawler.Parser
	store   crawler.RecordStore
	hasher  crawler.Hasher
	ids     crawler.IDGenerator
	clock   crawler.Clock
	pauser  crawler.Pauser
	breaker *fault.Breaker
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	bridge *control.Bridge,
	loop *control.EventLoop,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	store crawler.RecordStore,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	pauser crawler.Pauser,
	breaker *fault.Breaker,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if pauser == nil {
		pauser = &crawler.TimerPauser{}
	}
	return &Worker{
		bridge:  bridge,
		loop:    loop,
		fetcher: fetcher,
		parser:  parser,
		store:   store,
		hasher:  hasher,
		ids:     ids,
		clock:   clock,
		pauser:  pauser,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run crawls every configured section, resuming from a saved page loop
// checkpoint if one exists. It returns once the crawl completes, is
// stopped, or fails.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bridge.StartCrawling(ctx, map[string]any{"sections": len(w.cfg.Sections)}); err != nil {
		return err
	}
	metrics.SetCrawlActive(true)
	defer metrics.SetCrawlActive(false)

	startSection, startIdx := w.resumePoint()
	for i := startSection; i < len(w.cfg.Sections); i++ {
		section := w.cfg.Sections[i]
		resumeIdx := 0
		if i == startSection {
			resumeIdx = startIdx
		}
		stopped, err := w.crawlSection(ctx, section, resumeIdx)
		if err != nil {
			w.logger.Error("crawl failed",
				zap.String("section", section.Name),
				zap.Error(err),
			)
			w.bridge.FailCrawl(ctx, err)
			return err
		}
		if stopped {
			w.logger.Info("crawl stopped", zap.String("section", section.Name))
			return nil
		}
	}

	w.bridge.StopCrawling(ctx, map[string]any{"completed": true})
	w.logger.Info("crawl completed")
	return nil
}

// resumePoint maps a saved checkpoint back to a section index and page
// index. An unknown section means the configuration changed underneath
// the checkpoint; the crawl starts over.
func (w *Worker) resumePoint() (int, int) {
	cp := w.bridge.PageLoop()
	if cp == nil {
		return 0, 0
	}
	for i, s := range w.cfg.Sections {
		if s.Name == cp.SectionName {
			w.logger.Info("resuming from checkpoint",
				zap.String("section", cp.SectionName),
				zap.Int("page", cp.CurrentPage),
			)
			return i, cp.ProgressIdx
		}
	}
	w.logger.Warn("checkpoint section no longer configured, starting over",
		zap.String("section", cp.SectionName),
	)
	return 0, 0
}

// crawlSection walks one section's pages. The returned bool reports
// whether the crawl was stopped by a signal.
func (w *Worker) crawlSection(ctx context.Context, section crawler.Section, startIdx int) (bool, error) {
	pages := pagesToCrawl(section)
	if startIdx >= len(pages) {
		startIdx = 0
	}

	w.bridge.UpdateProgress(ctx, func(p *control.Progress) {
		p.CurrentSection = section.Name
	})

	itemsSince := 0
	for idx := startIdx; idx < len(pages); idx++ {
		page := pages[idx]

		if w.loop.ShouldCheck() || w.loop.ShouldCheckBatch(itemsSince) {
			itemsSince = 0
			stopped, err := w.checkpoint(ctx, section, page, idx, pages)
			if err != nil || stopped {
				return stopped, err
			}
		}
		if err := ctx.Err(); err != nil {
			w.saveCheckpoint(ctx, section, page, idx, pages)
			return true, nil
		}

		records, err := w.fetchAndParse(ctx, section, page)
		if err != nil {
			if errors.Is(err, fault.ErrBreakerOpen) {
				return false, fmt.Errorf("section %q page %d: %w", section.Name, page, err)
			}
			metrics.ObservePageCrawled(section.Name, "error")
			w.bridge.UpdateProgress(ctx, func(p *control.Progress) { p.RecordsFailed++ })
			w.logger.Warn("page fetch failed",
				zap.String("section", section.Name),
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		if len(records) == 0 {
			// The pagination ran out before MaxPages.
			w.logger.Debug("section exhausted", zap.String("section", section.Name), zap.Int("page", page))
			break
		}

		if err := w.saveRecords(ctx, records); err != nil {
			return false, err
		}
		metrics.ObservePageCrawled(section.Name, "ok")
		w.bridge.UpdateProgress(ctx, func(p *control.Progress) { p.PagesCrawled++ })
		w.saveCheckpoint(ctx, section, page, idx, pages)

		itemsSince++
		w.pauser.Pause(ctx, w.cfg.PageDelay)
	}

	w.bridge.ClearPageLoop(ctx)
	return false, nil
}

// checkpoint runs one signal check and reacts to the directive. A pause
// saves the page loop state first, so a later crash while paused still
// resumes mid-section.
func (w *Worker) checkpoint(ctx context.Context, section crawler.Section, page, idx int, pages []int) (bool, error) {
	action := w.loop.CheckAndProcessSignals(ctx)
	switch action.Directive {
	case control.DirectiveStop:
		w.saveCheckpoint(ctx, section, page, idx, pages)
		return true, nil
	case control.DirectivePause:
		w.saveCheckpoint(ctx, section, page, idx, pages)
		if w.bridge.WaitIfPaused(ctx) {
			return true, nil
		}
	default:
		// The state may already be paused when re-entering after a long
		// operation; WaitIfPaused returns immediately otherwise.
		if w.bridge.WaitIfPaused(ctx) {
			return true, nil
		}
	}
	return false, nil
}

func (w *Worker) saveCheckpoint(ctx context.Context, section crawler.Section, page, idx int, pages []int) {
	w.bridge.SavePageLoop(ctx, control.PageLoopCheckpoint{
		SectionName:   section.Name,
		CurrentPage:   page,
		ProgressIdx:   idx,
		PagesToCrawl:  pages,
		CurrentOffset: idx,
	})
}

func (w *Worker) fetchAndParse(ctx context.Context, section crawler.Section, page int) ([]crawler.Record, error) {
	pageURL, err := crawler.PageURL(section, page)
	if err != nil {
		return nil, err
	}

	var resp crawler.FetchResponse
	fetch := func() error {
		var ferr error
		resp, ferr = w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
		return ferr
	}
	if w.breaker != nil {
		err = w.breaker.Do(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, err
	}
	return w.parser.ParsePage(resp.Body, section, page)
}

// saveRecords hashes and persists the page's records, skipping threads
// whose content has not changed since the last crawl.
func (w *Worker) saveRecords(ctx context.Context, records []crawler.Record) error {
	for _, rec := range records {
		hash, err := w.hasher.Hash(fingerprint(rec))
		if err != nil {
			return fmt.Errorf("hash record: %w", err)
		}
		rec.ContentHash = hash

		seen, err := w.store.HasContentHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("check content hash: %w", err)
		}
		if seen {
			w.bridge.UpdateProgress(ctx, func(p *control.Progress) { p.RecordsSkipped++ })
			continue
		}

		id, err := w.ids.NewID()
		if err != nil {
			return fmt.Errorf("mint record id: %w", err)
		}
		rec.ID = id
		rec.FetchedAt = w.clock.Now()

		if err := w.store.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		w.bridge.UpdateProgress(ctx, func(p *control.Progress) { p.RecordsSaved++ })
	}
	return nil
}

// fingerprint is the hashed identity of a thread's visible state. Reply
// count is included so a thread with new posts is re-recorded.
func fingerprint(rec crawler.Record) []byte {
	return fmt.Appendf(nil, "%s|%s|%s|%d", rec.URL, rec.Title, rec.Author, rec.Replies)
}

func pagesToCrawl(section crawler.Section) []int {
	n := section.MaxPages
	if n <= 0 {
		n = 1
	}
	pages := make([]int, n)
	for i := range pages {
		pages[i] = i + 1
	}
	return pages
}

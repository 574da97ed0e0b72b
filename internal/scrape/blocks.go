package scrape

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// DateRange is one block of a split query window. Bounds are inclusive.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SplitRange splits an inclusive date range into consecutive windows of at
// most windowMonths months, covering the full range with no gaps or overlaps.
func SplitRange(start, end time.Time, windowMonths int) []DateRange {
	if windowMonths <= 0 {
		windowMonths = 12
	}
	var blocks []DateRange
	for cursor := start; !cursor.After(end); {
		blockEnd := cursor.AddDate(0, windowMonths, 0).AddDate(0, 0, -1)
		if blockEnd.After(end) {
			blockEnd = end
		}
		blocks = append(blocks, DateRange{Start: cursor, End: blockEnd})
		cursor = blockEnd.AddDate(0, 0, 1)
	}
	return blocks
}

// SessionRunner runs one single-block query.
type SessionRunner interface {
	Run(ctx context.Context, req monitor.ScrapeRequest) (monitor.ScrapeResult, error)
}

// BlockSchedulerConfig controls range splitting and pacing.
type BlockSchedulerConfig struct {
	WindowMonths int
	DelayMin     time.Duration
	DelayMax     time.Duration
}

// BlockScheduler implements monitor.Scraper by splitting long ranges into
// blocks and running them sequentially. Blocks never run concurrently: the
// target rate-limits per source IP and parallel blocks multiply block risk.
type BlockScheduler struct {
	session SessionRunner
	logger  *zap.Logger
	cfg     BlockSchedulerConfig
}

// NewBlockScheduler constructs a BlockScheduler.
func NewBlockScheduler(session SessionRunner, cfg BlockSchedulerConfig, logger *zap.Logger) *BlockScheduler {
	if cfg.WindowMonths <= 0 {
		cfg.WindowMonths = 12
	}
	if cfg.DelayMin <= 0 {
		cfg.DelayMin = 5 * time.Second
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin + 5*time.Second
	}
	return &BlockScheduler{
		session: session,
		logger:  logger,
		cfg:     cfg,
	}
}

// Scrape runs every block of the request's range. A failing block is recorded
// and the remaining blocks continue; the error return is non-nil only when
// every block failed.
func (b *BlockScheduler) Scrape(ctx context.Context, req monitor.ScrapeRequest) (monitor.ScrapeResult, error) {
	blocks := SplitRange(req.Start, req.End, b.cfg.WindowMonths)
	result := monitor.ScrapeResult{}
	failed := 0
	var lastErr error

	for i, block := range blocks {
		if i > 0 {
			b.pause(ctx, b.jitteredDelay())
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("block run canceled: %w", ctx.Err())
		}

		blockReq := monitor.ScrapeRequest{
			LawyerName: req.LawyerName,
			Start:      block.Start,
			End:        block.End,
			CourtCode:  req.CourtCode,
		}
		blockResult, err := b.session.Run(ctx, blockReq)
		result.Telemetry.Merge(blockResult.Telemetry)
		result.Telemetry.BlocksProcessed++
		if result.SnapshotURI == "" {
			result.SnapshotURI = blockResult.SnapshotURI
		}
		if err != nil {
			failed++
			lastErr = err
			result.BlockErrors = append(result.BlockErrors, fmt.Sprintf(
				"block %s..%s: %v",
				block.Start.Format("2006-01-02"),
				block.End.Format("2006-01-02"),
				err,
			))
			b.logger.Warn("block failed, continuing",
				zap.Int("block", i+1),
				zap.Int("total_blocks", len(blocks)),
				zap.Error(err),
			)
			continue
		}
		result.Records = append(result.Records, blockResult.Records...)
	}

	// Abutting windows produce cross-block duplicates.
	result.Records = Dedupe(result.Records)

	if failed == len(blocks) && len(blocks) > 0 {
		if lastErr == nil {
			lastErr = errors.New("no blocks succeeded")
		}
		return result, fmt.Errorf("all %d blocks failed: %w", len(blocks), lastErr)
	}
	return result, nil
}

func (b *BlockScheduler) jitteredDelay() time.Duration {
	span := b.cfg.DelayMax - b.cfg.DelayMin
	if span <= 0 {
		return b.cfg.DelayMin
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return b.cfg.DelayMin
	}
	return b.cfg.DelayMin + time.Duration(n.Int64())
}

func (b *BlockScheduler) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package scrape

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/advtrack/comunica-monitor/internal/cnj"
	"github.com/advtrack/comunica-monitor/internal/extract"
	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// fallbackWindow is the number of bytes of surrounding text kept around each
// case-number match.
const fallbackWindow = 300

// collectFallback is the last-resort path when no API response was ever
// captured: scan rendered pages for case-number patterns, page by page, until
// a page yields nothing new or the cap is hit.
func (s *Session) collectFallback(ctx context.Context, telemetry *monitor.RunTelemetry) ([]monitor.ScrapedRecord, error) {
	seen := make(map[string]struct{})
	var records []monitor.ScrapedRecord

	for pageNum := 1; pageNum <= s.cfg.MaxFallbackPages; pageNum++ {
		var html string
		if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return records, fmt.Errorf("read fallback page %d: %w", pageNum, err)
		}
		if pageNum > 1 {
			telemetry.PagesNavigated++
		}

		newThisPage := 0
		for _, rec := range RecordsFromHTML(html) {
			if _, dup := seen[rec.CaseNumber]; dup {
				continue
			}
			seen[rec.CaseNumber] = struct{}{}
			records = append(records, rec)
			newThisPage++
		}
		if newThisPage == 0 {
			break
		}

		clicked, err := s.clickNext(ctx)
		if err != nil {
			return records, fmt.Errorf("fallback paginate: %w", err)
		}
		if !clicked {
			break
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(s.cfg.SettleDelay)); err != nil {
			return records, fmt.Errorf("fallback settle: %w", err)
		}
	}
	return records, nil
}

// RecordsFromHTML extracts low-fidelity records from a rendered page.
func RecordsFromHTML(html string) []monitor.ScrapedRecord {
	text := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		text = doc.Text()
	}
	return RecordsFromText(text)
}

// RecordsFromText scans text for CNJ case numbers and builds a record from
// the surrounding window of each match.
func RecordsFromText(text string) []monitor.ScrapedRecord {
	matches := cnj.Pattern.FindAllStringIndex(text, -1)
	records := make([]monitor.ScrapedRecord, 0, len(matches))
	for _, loc := range matches {
		start := loc[0] - fallbackWindow
		if start < 0 {
			start = 0
		}
		end := loc[1] + fallbackWindow
		if end > len(text) {
			end = len(text)
		}
		window := strings.ToValidUTF8(text[start:end], "")

		number := cnj.Normalize(text[loc[0]:loc[1]])
		records = append(records, monitor.ScrapedRecord{
			CaseNumber: number,
			CourtCode:  cnj.CourtFamily(number),
			RawText:    window,
			CleanText:  extract.CleanText(window),
			Fields:     extract.Fields(window),
		})
	}
	return records
}

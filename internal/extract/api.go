package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/advtrack/comunica-monitor/internal/cnj"
	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// maxRawTextChars caps the raw text carried per record.
const maxRawTextChars = 5000

// Key-name variants tolerated per field. The upstream API has shipped both
// camelCase and snake_case; this is the canonicalization boundary and
// everything downstream sees only monitor.ScrapedRecord.
var (
	caseNumberKeys = []string{"numeroProcesso", "numero_processo", "numeroprocessocommascara", "processo"}
	courtKeys      = []string{"siglaTribunal", "sigla_tribunal", "tribunal", "orgao"}
	dateKeys       = []string{"dataDisponibilizacao", "data_disponibilizacao", "datadisponibilizacao", "dataPublicacao", "data_publicacao"}
	typeKeys       = []string{"tipoComunicacao", "tipo_comunicacao", "tipoDocumento", "tipo_documento"}
	textKeys       = []string{"texto", "teor", "conteudo", "textoPublicacao"}

	itemsKeys         = []string{"content", "items", "comunicacoes"}
	totalPagesKeys    = []string{"totalPages", "total_pages"}
	totalElementsKeys = []string{"totalElements", "total_elements", "count"}
	pageSizeKeys      = []string{"size", "pageSize", "page_size"}
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "02/01/2006", "2006-01-02T15:04:05"}

// Page is one parsed query-API response payload.
type Page struct {
	Items         []map[string]any
	TotalPages    int
	TotalElements int
	PageSize      int
}

// ParsePayload decodes a raw intercepted JSON body into a Page. Either an
// object with an item list under a known key, or a bare array of items.
func ParsePayload(data []byte) (Page, error) {
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err == nil {
		page := Page{
			TotalPages:    intField(envelope, totalPagesKeys),
			TotalElements: intField(envelope, totalElementsKeys),
			PageSize:      intField(envelope, pageSizeKeys),
		}
		for _, key := range itemsKeys {
			if raw, ok := envelope[key]; ok {
				page.Items = toItemList(raw)
				break
			}
		}
		return page, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		return Page{}, fmt.Errorf("parse api payload: %w", err)
	}
	return Page{Items: list}, nil
}

// PageCount resolves the pagination decision table in priority order:
// a direct total-pages field, then ceil(totalElements/pageSize), then 1.
func (p Page) PageCount() int {
	switch {
	case p.TotalPages > 0:
		return p.TotalPages
	case p.TotalElements > 0 && p.PageSize > 0:
		return int(math.Ceil(float64(p.TotalElements) / float64(p.PageSize)))
	default:
		return 1
	}
}

// ParseItem maps one intercepted API item into a canonical record. Returns
// false when no case number can be found, which drops the item.
func ParseItem(item map[string]any) (monitor.ScrapedRecord, bool) {
	number := cnj.Normalize(stringField(item, caseNumberKeys))
	if number == "" {
		return monitor.ScrapedRecord{}, false
	}

	court := strings.TrimSpace(stringField(item, courtKeys))
	if court == "" {
		court = cnj.CourtFamily(number)
	}

	raw := stringField(item, textKeys)
	if runes := []rune(raw); len(runes) > maxRawTextChars {
		raw = string(runes[:maxRawTextChars])
	}

	return monitor.ScrapedRecord{
		CaseNumber:        number,
		CourtCode:         court,
		PublicationDate:   dateField(item, dateKeys),
		CommunicationType: stringField(item, typeKeys),
		RawText:           raw,
		CleanText:         CleanText(raw),
		Fields:            Fields(raw),
	}, true
}

// Records parses every item of a page, dropping unparseable ones.
func (p Page) Records() []monitor.ScrapedRecord {
	records := make([]monitor.ScrapedRecord, 0, len(p.Items))
	for _, item := range p.Items {
		if rec, ok := ParseItem(item); ok {
			records = append(records, rec)
		}
	}
	return records
}

func toItemList(raw any) []map[string]any {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

func stringField(item map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(item map[string]any, keys []string) int {
	for _, key := range keys {
		switch v := item[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return 0
}

func dateField(item map[string]any, keys []string) time.Time {
	raw := stringField(item, keys)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Package extract pulls structured fields out of noisy court-publication
// markup. Extraction is best-effort by design: a pattern that does not match
// yields an empty field, never an error.
package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// sectionBoundary terminates a captured party block at the next known section
// label. Kept as one visible alternation so the ordering of the regex chain
// below stays reviewable.
const sectionBoundary = `R[ÉE]U|REQUERID|EXECUTAD|APELAD|AGRAVAD|RECLAMAD|AUTOR|REQUERENTE|EXEQUENTE|RECLAMANTE|APELANTE|AGRAVANTE|ADVOGAD|INTIMA[ÇC][ÃA]O|Classe|Comarca|[ÓO]rg[ãa]o|Vara|Gabinete|Processo`

// Ordered pattern families per field, first match wins.
var (
	plaintiffPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)AUTOR(?:\(ES\)|A|ES)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)REQUERENTE(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)EXEQUENTE(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)RECLAMANTE(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)APELANTE(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)AGRAVANTE(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
	}

	defendantPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)R[ÉE]U(?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)REQUERID[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)EXECUTAD[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)APELAD[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)RECLAMAD[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
		regexp.MustCompile(`(?s)AGRAVAD[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`),
	}

	venuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`Comarca\s+d[ae]\s+([^\n,;]+?)(?:\s+(?:Rua|Av\.|Avenida|Pra[çc]a|CEP|Endere[çc]o)|\n|$)`),
		regexp.MustCompile(`Comarca\s*[:\-–]\s*([^\n,;]+)`),
	}

	caseClassPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Classe\s*[:\-–]?\s*([^(\n\[]+)`),
		regexp.MustCompile(`(?i)(?:A[çc][ãa]o|Procedimento)\s*[:\-–]\s*([^(\n\[]+)`),
	}

	decidingBodyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)[ÓO]rg[ãa]o(?:\s+Julgador)?\s*[:\-–]?\s*([^\n;]+)`),
		regexp.MustCompile(`(\d+[ªa]?\s*Vara[^\n,;]*)`),
		regexp.MustCompile(`(?i)distribu[íi]d[oa]\s+para\s+(?:a\s+|o\s+)?([^\n,;.]+)`),
		regexp.MustCompile(`(Gabinete[^\n,;]*)`),
	}

	attorneyPattern = regexp.MustCompile(`(?s)ADVOGAD[OA](?:\(S\)|S)?\s*[:\-–]?\s*(.+?)(?:` + sectionBoundary + `|$)`)
)

// Cleanup patterns shared by party-name and full-text scrubbing.
var (
	scriptStyleBlocks = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	htmlTags          = regexp.MustCompile(`<[^>]*>`)
	attributeNoise    = regexp.MustCompile(`\b(?:class|style|href|src|id|data-[\w-]+|aria-[\w-]+|ng-[\w-]+)\s*=\s*"[^"]*"`)
	frameworkClasses  = regexp.MustCompile(`\b(?:ng|mat|cdk|mdc|ui|fa)-[\w-]+`)
	htmlEntities      = regexp.MustCompile(`&(?:[a-zA-Z]{2,8}|#\d{1,5});`)
	whitespaceRuns    = regexp.MustCompile(`\s+`)
	leadingClause     = regexp.MustCompile(`\b\d+\.\s`)
)

// boilerplateMarkers truncate a party-name candidate: decision-body phrases
// that leak from the source markup into what should be just a name.
var boilerplateMarkers = []string{
	"HOMOLOGO",
	"JULGO",
	"DECIDO",
	"DEFIRO",
	"INDEFIRO",
	"Vistos",
	"Ante o exposto",
	"Isto posto",
	"Intime-se",
	"Cite-se",
	"Processo",
	"SENTENÇA",
	"DESPACHO",
}

// uiChromeWords are generic interface words stripped from cleaned full text.
var uiChromeWords = []string{
	"Carregando",
	"Imprimir",
	"Pesquisar",
	"Menu",
	"Acessibilidade",
	"Alto contraste",
	"Voltar ao topo",
	"Compartilhar",
}

// maxPartyNameLen caps a cleaned party name.
const maxPartyNameLen = 500

// Fields runs every field family against the text and returns whatever
// matched. Missing fields stay empty.
func Fields(text string) monitor.ExtractedFields {
	fields := monitor.ExtractedFields{
		Plaintiff:    firstParty(plaintiffPatterns, text),
		Defendant:    firstParty(defendantPatterns, text),
		Venue:        firstMatch(venuePatterns, text),
		DecidingBody: firstMatch(decidingBodyPatterns, text),
		Attorneys:    attorneys(text),
	}
	if class := firstMatch(caseClassPatterns, text); class != "" {
		fields.CaseClass = strings.ToUpper(class)
	}
	return fields
}

func firstParty(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if name := CleanPartyName(m[1]); name != "" {
				return name
			}
		}
	}
	return ""
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			candidate := strings.TrimSpace(whitespaceRuns.ReplaceAllString(m[1], " "))
			candidate = strings.Trim(candidate, ":-– ")
			if candidate != "" {
				return candidate
			}
		}
	}
	return ""
}

func attorneys(text string) []string {
	m := attorneyPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var names []string
	for _, part := range regexp.MustCompile(`,| e `).Split(m[1], -1) {
		if name := CleanPartyName(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// CleanPartyName scrubs a matched party-name candidate: markup stripped,
// whitespace collapsed, judicial boilerplate truncated. Returns "" when what
// remains is under 3 characters or contains no letters.
func CleanPartyName(raw string) string {
	s := htmlTags.ReplaceAllString(raw, " ")
	s = attributeNoise.ReplaceAllString(s, " ")
	s = whitespaceRuns.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	for _, marker := range boilerplateMarkers {
		if idx := strings.Index(s, marker); idx >= 0 {
			s = s[:idx]
		}
	}
	if loc := leadingClause.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, ":-–,;. ")
	if len([]rune(s)) < 3 || !containsLetter(s) {
		return ""
	}
	if runes := []rune(s); len(runes) > maxPartyNameLen {
		s = string(runes[:maxPartyNameLen])
	}
	return s
}

// CleanText scrubs a full raw-text blob: script/style blocks, tags, attribute
// fragments, framework class noise, entities and UI chrome, with whitespace
// collapsed throughout.
func CleanText(raw string) string {
	s := scriptStyleBlocks.ReplaceAllString(raw, " ")
	s = htmlTags.ReplaceAllString(s, " ")
	s = attributeNoise.ReplaceAllString(s, " ")
	s = frameworkClasses.ReplaceAllString(s, " ")
	s = htmlEntities.ReplaceAllString(s, " ")
	for _, word := range uiChromeWords {
		s = strings.ReplaceAll(s, word, " ")
	}
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(s, " "))
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

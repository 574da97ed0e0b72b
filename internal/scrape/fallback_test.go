package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordsFromTextFindsEachCaseNumber(t *testing.T) {
	t.Parallel()

	text := "Intimação de JOÃO DA SILVA no processo 0001234-56.2024.8.26.0100. " +
		"Veja também 7654321-09.2023.4.03.6100 na mesma pauta."
	records := RecordsFromText(text)
	require.Len(t, records, 2)

	require.Equal(t, "00012345620248260100", records[0].CaseNumber)
	require.Equal(t, "TJ", records[0].CourtCode)
	require.Contains(t, records[0].RawText, "JOÃO DA SILVA")

	require.Equal(t, "76543210920234036100", records[1].CaseNumber)
	require.Equal(t, "TRF", records[1].CourtCode)
}

func TestRecordsFromTextEmptyInput(t *testing.T) {
	t.Parallel()

	require.Empty(t, RecordsFromText(""))
	require.Empty(t, RecordsFromText("nenhuma comunicação encontrada"))
}

func TestRecordsFromHTMLStripsMarkup(t *testing.T) {
	t.Parallel()

	html := `<html><body><div class="item">
		<span>Processo 0001234-56.2024.8.26.0100</span>
		<script>window.__trk = 1;</script>
	</body></html>`
	records := RecordsFromHTML(html)
	require.Len(t, records, 1)
	require.Equal(t, "00012345620248260100", records[0].CaseNumber)
	require.NotContains(t, records[0].RawText, "<span>")
}

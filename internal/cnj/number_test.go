package cnj

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsPunctuation(t *testing.T) {
	t.Parallel()

	require.Equal(t, "00012345620248260100", Normalize("0001234-56.2024.8.26.0100"))
	require.Equal(t, "123", Normalize("1-23"))
	require.Equal(t, "", Normalize("abc"))
}

func TestFormatRoundTrip(t *testing.T) {
	t.Parallel()

	formatted := "0001234-56.2024.8.26.0100"
	normalized := Normalize(formatted)
	require.Equal(t, formatted, Format(normalized))
	require.Equal(t, normalized, Normalize(Format(normalized)))
}

func TestFormatLeavesShortInputsAlone(t *testing.T) {
	t.Parallel()

	require.Equal(t, "12345", Format("12345"))
}

func TestCourtFamily(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0001234-56.2024.8.26.0100": "TJ",
		"0001234-56.2024.4.03.0100": "TRF",
		"0001234-56.2024.5.02.0100": "TRT",
		"0001234-56.2024.1.00.0100": "STF",
		"0001234-56.2024.2.00.0100": "CNJ",
		"0001234-56.2024.6.19.0100": "TSE",
		"0001234-56.2024.7.19.0100": "TRE",
		"0001234-56.2024.9.21.0100": "STM",
		"0001234-56.2024.3.00.0100": "DJEN",
	}
	for formatted, want := range cases {
		require.Equal(t, want, CourtFamily(Normalize(formatted)), formatted)
	}
	require.Equal(t, "DJEN", CourtFamily("123"))
}

func TestPatternFindsNumbersInText(t *testing.T) {
	t.Parallel()

	text := "Processo 0001234-56.2024.8.26.0100 e 7654321-09.2023.5.02.0011 pendentes"
	require.Equal(t,
		[]string{"0001234-56.2024.8.26.0100", "7654321-09.2023.5.02.0011"},
		Pattern.FindAllString(text, -1),
	)
}

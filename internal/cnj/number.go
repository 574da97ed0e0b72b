// Package cnj handles Brazilian unified (CNJ) case-number canonicalization.
package cnj

import "regexp"

// Pattern matches a formatted CNJ case number: NNNNNNN-DD.AAAA.J.TR.OOOO.
var Pattern = regexp.MustCompile(`\d{7}-\d{2}\.\d{4}\.\d\.\d{2}\.\d{4}`)

var nonDigits = regexp.MustCompile(`\D`)

// normalizedLen is the digit count of a full CNJ number.
const normalizedLen = 20

// courtFamilies maps the judiciary-segment digit of a CNJ number to the
// court family code used when the upstream API omits the court.
var courtFamilies = map[byte]string{
	'1': "STF",
	'2': "CNJ",
	'4': "TRF",
	'5': "TRT",
	'6': "TSE",
	'7': "TRE",
	'8': "TJ",
	'9': "STM",
}

// UnknownCourt is used when the segment digit has no known family.
const UnknownCourt = "DJEN"

// Normalize strips all punctuation from a case number, leaving digits only.
func Normalize(number string) string {
	return nonDigits.ReplaceAllString(number, "")
}

// Format re-inserts CNJ punctuation at the fixed offsets of a 20-digit
// normalized number. Inputs of any other length are returned unchanged.
func Format(normalized string) string {
	if len(normalized) != normalizedLen {
		return normalized
	}
	return normalized[0:7] + "-" + normalized[7:9] + "." + normalized[9:13] + "." +
		normalized[13:14] + "." + normalized[14:16] + "." + normalized[16:20]
}

// CourtFamily derives the court family from the judiciary-segment digit
// embedded in a normalized case number.
func CourtFamily(normalized string) string {
	if len(normalized) != normalizedLen {
		return UnknownCourt
	}
	if family, ok := courtFamilies[normalized[13]]; ok {
		return family
	}
	return UnknownCourt
}

// Package proxy manages the pool of outbound network identities used by
// scrape sessions, including health tracking and block classification.
package proxy

import "strings"

// Classification is the result of inspecting failure text or page content.
type Classification struct {
	Blocked bool
	Reason  string
}

// blockSignals is the ordered signal list that marks a failure as the target
// actively refusing automated access, rather than a transient error.
var blockSignals = []string{
	"403",
	"429",
	"captcha",
	"recaptcha",
	"rate limit",
	"too many requests",
	"forbidden",
	"blocked",
	"bloqueado",
	"bloqueio",
	"acesso negado",
	"access denied",
}

// Classify inspects a message or page body for target-block signals. It is a
// pure function of its input so it stays testable apart from any network code.
func Classify(text string) Classification {
	lower := strings.ToLower(text)
	for _, signal := range blockSignals {
		if strings.Contains(lower, signal) {
			return Classification{Blocked: true, Reason: signal}
		}
	}
	return Classification{}
}

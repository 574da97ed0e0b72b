// Package scrape drives browser-automated queries against the court
// publication feed, intercepting the SPA's data-API responses and falling
// back to rendered-page extraction when interception yields nothing.
package scrape

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// interceptor accumulates JSON bodies of query-API responses in arrival
// order, and passively flags captcha resource loads.
type interceptor struct {
	mu          sync.Mutex
	apiPath     string
	pending     map[network.RequestID]struct{}
	bodies      [][]byte
	consumed    int
	captchaSeen bool
}

func newInterceptor(apiPath string) *interceptor {
	return &interceptor{
		apiPath: apiPath,
		pending: make(map[network.RequestID]struct{}),
	}
}

// listen wires the interceptor into a chromedp target. Body retrieval must
// wait for EventLoadingFinished and run on the target's executor.
func (i *interceptor) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if isCaptchaResource(e.Request.URL) {
				i.mu.Lock()
				i.captchaSeen = true
				i.mu.Unlock()
			}
		case *network.EventResponseReceived:
			if e.Response == nil || !strings.Contains(e.Response.URL, i.apiPath) {
				return
			}
			i.mu.Lock()
			i.pending[e.RequestID] = struct{}{}
			i.mu.Unlock()
		case *network.EventLoadingFinished:
			i.mu.Lock()
			_, ok := i.pending[e.RequestID]
			delete(i.pending, e.RequestID)
			i.mu.Unlock()
			if !ok {
				return
			}
			go i.fetchBody(ctx, e.RequestID)
		}
	})
}

func (i *interceptor) fetchBody(ctx context.Context, requestID network.RequestID) {
	c := chromedp.FromContext(ctx)
	if c == nil {
		return
	}
	body, err := network.GetResponseBody(requestID).Do(cdp.WithExecutor(ctx, c.Target))
	if err != nil || len(body) == 0 {
		return
	}
	i.mu.Lock()
	i.bodies = append(i.bodies, body)
	i.mu.Unlock()
}

// captured reports how many API bodies have arrived so far.
func (i *interceptor) captured() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.bodies)
}

// drain returns the bodies not yet handed out.
func (i *interceptor) drain() [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	fresh := i.bodies[i.consumed:]
	i.consumed = len(i.bodies)
	out := make([][]byte, len(fresh))
	copy(out, fresh)
	return out
}

func (i *interceptor) captchaDetected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.captchaSeen
}

func isCaptchaResource(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "captcha") || strings.Contains(lower, "recaptcha")
}

// Package hostrod drives real pages through a Chrome instance. A LivePage
// satisfies the page agent's Document and Surface, so the same agent logic
// runs against the live DOM that the tests run against parsed fixtures.
package hostrod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"

	"github.com/snippetify/snipd/extract"
)

// DefaultOverlayURL is the companion page embedded in the capture overlay.
const DefaultOverlayURL = "https://snippetify.com/snippets/create"

// scrollOffset keeps a scrolled-to block clear of fixed page headers.
const scrollOffset = 100

const navigateTimeout = 30 * time.Second

// overlayID names the injected iframe so repeat injections find it.
const overlayID = "snippetify-overlay"

// Browser wraps one Chrome connection.
type Browser struct {
	browser    *rod.Browser
	lnch       *launcher.Launcher
	overlayURL string
	logger     *slog.Logger
}

// Option configures a Browser.
type Option func(*Browser)

// WithOverlayURL points the capture overlay at a different companion page.
func WithOverlayURL(url string) Option {
	return func(b *Browser) { b.overlayURL = url }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Browser) { b.logger = l }
}

// Connect launches a local headless Chrome, or attaches to remoteURL when
// it is non-empty, and returns the wrapper.
func Connect(remoteURL string, opts ...Option) (*Browser, error) {
	b := &Browser{
		overlayURL: DefaultOverlayURL,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}

	wsURL := remoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("hostrod: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.logger.Info("hostrod: launched local chrome", "url", wsURL)
	} else {
		b.logger.Info("hostrod: connecting to remote chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("hostrod: connect: %w", err)
	}
	b.browser = br
	return b, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

// OpenPage navigates a fresh stealth tab to the URL and waits for load.
func (b *Browser) OpenPage(ctx context.Context, pageURL string) (*LivePage, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("hostrod: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("hostrod: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.logger.Warn("hostrod: wait load timeout", "url", pageURL, "error", err)
	}

	return &LivePage{
		page:       page,
		url:        pageURL,
		overlayURL: b.overlayURL,
		selectors:  strings.Join(extract.CandidateSelectors, ", "),
	}, nil
}

// LivePage is one live tab. It implements pageagent.Document and
// pageagent.Surface.
type LivePage struct {
	page       *rod.Page
	url        string
	overlayURL string
	selectors  string
}

// Root serialises the live DOM and parses it. Every call sees the page as
// it is right now, mutations included.
func (p *LivePage) Root(ctx context.Context) (*html.Node, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("hostrod: read dom: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(res.Value.Str()))
	if err != nil {
		return nil, fmt.Errorf("hostrod: parse dom: %w", err)
	}
	return doc, nil
}

// URL returns the navigated location.
func (p *LivePage) URL() string { return p.url }

// Close closes the tab.
func (p *LivePage) Close() error {
	if p.page != nil {
		return p.page.Close()
	}
	return nil
}

// EnsureOverlay injects the hidden overlay iframe once.
func (p *LivePage) EnsureOverlay(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval(`(id, src) => {
		if (document.getElementById(id)) return;
		const frame = document.createElement('iframe');
		frame.id = id;
		frame.src = src;
		frame.style.cssText = 'position:fixed;top:0;right:0;width:480px;height:100%;' +
			'border:0;z-index:2147483647;display:none;background:#fff;' +
			'box-shadow:-2px 0 8px rgba(0,0,0,.2);transition:opacity .2s';
		document.body.appendChild(frame);
	}`, overlayID, p.overlayURL)
	if err != nil {
		return fmt.Errorf("hostrod: ensure overlay: %w", err)
	}
	return nil
}

// OpenOverlay posts the snippet into the overlay frame and shows it.
func (p *LivePage) OpenOverlay(ctx context.Context, s extract.Snippet) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("hostrod: marshal snippet: %w", err)
	}
	_, err = p.page.Context(ctx).Eval(`(id, snippet) => {
		const frame = document.getElementById(id);
		if (!frame) return;
		frame.style.display = 'block';
		frame.contentWindow.postMessage({type: 'NEW_SNIPPET', action: 'open', payload: snippet}, '*');
	}`, overlayID, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("hostrod: open overlay: %w", err)
	}
	return nil
}

// CloseOverlay hides the overlay frame.
func (p *LivePage) CloseOverlay(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval(`(id) => {
		const frame = document.getElementById(id);
		if (frame) frame.style.display = 'none';
	}`, overlayID)
	if err != nil {
		return fmt.Errorf("hostrod: close overlay: %w", err)
	}
	return nil
}

// ReloadOverlay reloads the embedded companion page so it reflects the
// current session.
func (p *LivePage) ReloadOverlay(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval(`(id, src) => {
		const frame = document.getElementById(id);
		if (frame) frame.src = src;
	}`, overlayID, p.overlayURL)
	if err != nil {
		return fmt.Errorf("hostrod: reload overlay: %w", err)
	}
	return nil
}

// InjectActions attaches one capture button per candidate block, in the
// same document order the scanner assigns uids.
func (p *LivePage) InjectActions(ctx context.Context, count int) error {
	_, err := p.page.Context(ctx).Eval(`(selectors) => {
		document.querySelectorAll('.snippetify-action').forEach(el => el.remove());
		document.querySelectorAll(selectors).forEach((el, uid) => {
			const wrapper = el.parentElement || el;
			const btn = document.createElement('button');
			btn.className = 'snippetify-action';
			btn.dataset.uid = uid;
			btn.textContent = 'Save snippet';
			btn.style.cssText = 'position:absolute;top:4px;right:4px;z-index:10;font-size:12px';
			if (getComputedStyle(wrapper).position === 'static') {
				wrapper.style.position = 'relative';
			}
			wrapper.appendChild(btn);
		});
	}`, p.selectors)
	if err != nil {
		return fmt.Errorf("hostrod: inject actions: %w", err)
	}
	return nil
}

// ScrollTo brings the uid-th candidate block into view, offset below any
// fixed header.
func (p *LivePage) ScrollTo(ctx context.Context, uid int) error {
	_, err := p.page.Context(ctx).Eval(`(selectors, uid, offset) => {
		const els = document.querySelectorAll(selectors);
		if (uid < 0 || uid >= els.length) return;
		const top = els[uid].getBoundingClientRect().top + window.scrollY - offset;
		window.scrollTo({top, behavior: 'smooth'});
	}`, p.selectors, uid, scrollOffset)
	if err != nil {
		return fmt.Errorf("hostrod: scroll: %w", err)
	}
	return nil
}

// ActionClicks polls the page for clicks on injected buttons and invokes
// fn with the block uid. It returns when ctx ends.
func (p *LivePage) ActionClicks(ctx context.Context, fn func(uid int)) {
	// The page cannot call into the daemon, so clicks queue in a page
	// global and we drain it.
	_, err := p.page.Context(ctx).Eval(`() => {
		if (window.__snippetifyClicks) return;
		window.__snippetifyClicks = [];
		document.addEventListener('click', e => {
			const btn = e.target.closest('.snippetify-action');
			if (btn) window.__snippetifyClicks.push(Number(btn.dataset.uid));
		}, true);
	}`)
	if err != nil {
		return
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := p.page.Context(ctx).Eval(`() => {
				const c = window.__snippetifyClicks || [];
				window.__snippetifyClicks = [];
				return c;
			}`)
			if err != nil {
				continue
			}
			for _, v := range res.Value.Arr() {
				fn(v.Int())
			}
		}
	}
}

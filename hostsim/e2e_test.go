package hostsim_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/cookiewatch"
	"github.com/snippetify/snipd/dbopen"
	"github.com/snippetify/snipd/hostsim"
	"github.com/snippetify/snipd/kvstore"
	"github.com/snippetify/snipd/popup"
	"github.com/snippetify/snipd/session"
	_ "modernc.org/sqlite"
)

const codePage = `<html><head><title>Intro to SQL</title></head><body>
<p>Counting rows is the hello world of SQL.</p>
<pre class="language-sql"><code>SELECT COUNT(*) FROM users;</code></pre>
<p>Grouping comes next.</p>
<div class="highlight"><pre>SELECT role, COUNT(*) FROM users GROUP BY role;</pre></div>
</body></html>`

const aboutPage = `<html><head><title>About</title></head><body><p>Nothing to capture.</p></body></html>`

func wait(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(what)
}

// TestLifecycle walks the whole flow on the simulated host: page load,
// login by cookie, popup queries, scroll navigation, capture overlay, and
// logout.
func TestLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":7,"name":"Ana"}}`))
	}))
	t.Cleanup(srv.Close)

	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema), dbopen.WithSchema(cookiewatch.Schema))
	host := hostsim.New(db)

	coord := session.NewCoordinator(host.Cookies, api.New(srv.URL), host.KV, host.Bus,
		session.WithBadge(host.Badge))
	if err := coord.Start(ctx); err != nil {
		t.Fatal(err)
	}
	changes := cookiewatch.NewWatcher(db, cookiewatch.WithInterval(10*time.Millisecond)).Run(ctx)
	go coord.Run(ctx, changes)

	codeTab, err := host.OpenTab(ctx, 1, "https://sqlbolt.example/intro", codePage)
	if err != nil {
		t.Fatal(err)
	}
	aboutTab, err := host.OpenTab(ctx, 2, "https://sqlbolt.example/about", aboutPage)
	if err != nil {
		t.Fatal(err)
	}
	host.ActivateTab(1)

	// Pages without blocks never grow a surface.
	if aboutTab.OverlayCreated() {
		t.Fatal("overlay created on empty page")
	}
	if !codeTab.OverlayCreated() || codeTab.Actions() != 2 {
		t.Fatalf("code page surface: created=%v actions=%d", codeTab.OverlayCreated(), codeTab.Actions())
	}

	// Login: the cookie lands in the jar, the watcher notices, the
	// coordinator validates and fans out.
	if err := host.SetCookie(ctx, session.DefaultDomain, session.DefaultCookieName, "abc123"); err != nil {
		t.Fatal(err)
	}
	wait(t, "coordinator never logged in", coord.LoggedIn)
	wait(t, "code page never heard about login", func() bool { return codeTab.OverlayReloads() == 1 })

	user, _ := coord.User()
	if user.ID != 7 || user.Name != "Ana" {
		t.Fatalf("user = %+v", user)
	}

	// Popup over the active tab.
	view, err := popup.New(host.Bus, host.Bus, popup.WithUserSource(coord)).Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if view.Count != 2 || len(view.Snippets) != 2 {
		t.Fatalf("view = %+v", view)
	}
	if view.Snippets[0].Code != "SELECT COUNT(*) FROM users;" {
		t.Fatalf("first snippet = %+v", view.Snippets[0])
	}
	if view.Snippets[0].Title != "Intro to SQL" {
		t.Fatalf("title = %q", view.Snippets[0].Title)
	}
	if len(view.Snippets[0].Tags) != 1 || view.Snippets[0].Tags[0].Name != "sql" {
		t.Fatalf("tags = %v", view.Snippets[0].Tags)
	}
	if view.User == nil || view.User.Name != "Ana" {
		t.Fatalf("popup user = %+v", view.User)
	}

	// Clicking a popup row scrolls the page to the block.
	if err := popup.New(host.Bus, host.Bus).Select(ctx, 1, "1"); err != nil {
		t.Fatal(err)
	}
	wait(t, "page never scrolled", func() bool {
		s := codeTab.ScrolledTo()
		return len(s) == 1 && s[0] == 1
	})

	// Capture: action click opens the overlay with the block's snippet.
	if err := codeTab.ClickAction(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if !codeTab.OverlayVisible() {
		t.Fatal("overlay not visible after action click")
	}
	snip := codeTab.OverlaySnippet()
	if snip.Code != "SELECT COUNT(*) FROM users;" || snip.UID != "0" {
		t.Fatalf("overlay snippet = %+v", snip)
	}
	if snip.Description != "Counting rows is the hello world of SQL. Grouping comes next." {
		t.Fatalf("description = %q", snip.Description)
	}

	codeTab.CloseFromOverlay(ctx)
	if codeTab.OverlayVisible() {
		t.Fatal("overlay still visible after close message")
	}

	// Badge reflects the active tab's count.
	coord.TrackTab(ctx, 1)
	if text, ok := host.Badge.Text(1); !ok || text != "2" {
		t.Fatalf("badge = %q, %v", text, ok)
	}

	// Logout: cookie removal clears everything and notifies the page again.
	if err := host.RemoveCookie(ctx, session.DefaultDomain, session.DefaultCookieName); err != nil {
		t.Fatal(err)
	}
	wait(t, "coordinator never logged out", func() bool { return !coord.LoggedIn() })
	wait(t, "code page never heard about logout", func() bool { return codeTab.OverlayReloads() == 2 })

	if _, ok, _ := host.KV.Get(ctx, kvstore.KeyAPIToken); ok {
		t.Fatal("token survived logout")
	}
}

// TestSelectionReview drives the context-menu path: selected text becomes
// a partial snippet in the overlay.
func TestSelectionReview(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema), dbopen.WithSchema(cookiewatch.Schema))
	host := hostsim.New(db)

	coord := session.NewCoordinator(host.Cookies, api.New("http://localhost:0"), host.KV, host.Bus)

	page, err := host.OpenTab(ctx, 1, "https://sqlbolt.example/intro", codePage)
	if err != nil {
		t.Fatal(err)
	}

	if err := coord.ReviewSelection(ctx, 1, "EXPLAIN ANALYZE SELECT 1;"); err != nil {
		t.Fatal(err)
	}

	wait(t, "overlay never opened for selection", page.OverlayVisible)
	snip := page.OverlaySnippet()
	if snip.Code != "EXPLAIN ANALYZE SELECT 1;" || snip.Type != "wiki" {
		t.Fatalf("snippet = %+v", snip)
	}
}

// TestBadgeAcrossTabs checks the badge tracks whichever tab is queried.
func TestBadgeAcrossTabs(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema), dbopen.WithSchema(cookiewatch.Schema))
	host := hostsim.New(db)
	coord := session.NewCoordinator(host.Cookies, api.New("http://localhost:0"), host.KV, host.Bus,
		session.WithBadge(host.Badge))

	if _, err := host.OpenTab(ctx, 1, "https://a.example", codePage); err != nil {
		t.Fatal(err)
	}
	if _, err := host.OpenTab(ctx, 2, "https://b.example", aboutPage); err != nil {
		t.Fatal(err)
	}

	coord.TrackTab(ctx, 1)
	coord.TrackTab(ctx, 2)

	if text, _ := host.Badge.Text(1); text != "2" {
		t.Fatalf("tab 1 badge = %q", text)
	}
	// Zero blocks renders as an empty badge, not "0".
	if text, ok := host.Badge.Text(2); !ok || text != "" {
		t.Fatalf("tab 2 badge = %q, %v", text, ok)
	}

	if counts := coord.BadgeCounts(); counts[bus.TabID(1)] != 2 || counts[bus.TabID(2)] != 0 {
		t.Fatalf("counts = %v", counts)
	}
}

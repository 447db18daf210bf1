package popup_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/snippetify/snipd/api"
	"github.com/snippetify/snipd/bus"
	"github.com/snippetify/snipd/popup"
)

// pageStub answers page queries the way a live agent would.
func pageStub(t *testing.T, b *bus.MemoryBus, tab bus.TabID, count int, snippets string) {
	t.Helper()
	unsub := b.Subscribe(tab, bus.TargetPage, func(_ context.Context, env bus.Envelope) (json.RawMessage, error) {
		switch env.Type {
		case bus.TypeSnippetsCount:
			return json.Marshal(map[string]int{"count": count})
		case bus.TypeFoundSnippets:
			return json.RawMessage(`{"snippets":` + snippets + `}`), nil
		default:
			return nil, nil
		}
	})
	t.Cleanup(unsub)
}

type userStub struct{ user *api.User }

func (u userStub) User() (*api.User, bool) { return u.user, u.user != nil }

func TestOpen(t *testing.T) {
	b := bus.NewMemoryBus()
	b.SetActiveTab(4)
	pageStub(t, b, 4, 2, `[{"type":"wiki","uid":"0","code":"x"},{"type":"wiki","uid":"1","code":"y"}]`)

	v, err := popup.New(b, b, popup.WithUserSource(userStub{&api.User{ID: 1, Name: "Ana"}})).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Tab != 4 || v.Count != 2 {
		t.Fatalf("view = %+v", v)
	}
	if len(v.Snippets) != 2 || v.Snippets[1].UID != "1" {
		t.Fatalf("snippets = %+v", v.Snippets)
	}
	if v.User == nil || v.User.Name != "Ana" {
		t.Fatalf("user = %+v", v.User)
	}
}

func TestOpenNoActiveTab(t *testing.T) {
	b := bus.NewMemoryBus()
	_, err := popup.New(b, b).Open(context.Background())
	if !errors.Is(err, popup.ErrNoActiveTab) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenRestrictedPage(t *testing.T) {
	// No agent on the active tab: both queries time out, the view is empty.
	b := bus.NewMemoryBus()
	b.SetActiveTab(9)

	v, err := popup.New(b, b, popup.WithTimeout(100*time.Millisecond)).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Count != 0 || len(v.Snippets) != 0 {
		t.Fatalf("view = %+v", v)
	}
}

func TestOpenQueriesRunConcurrently(t *testing.T) {
	// A page that never answers must cost one query deadline, not one per
	// query stacked back-to-back.
	b := bus.NewMemoryBus()
	b.SetActiveTab(3)
	unsub := b.Subscribe(3, bus.TargetPage, func(ctx context.Context, _ bus.Envelope) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	t.Cleanup(unsub)

	timeout := 150 * time.Millisecond
	start := time.Now()
	v, err := popup.New(b, b, popup.WithTimeout(timeout)).Open(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if v.Count != 0 || len(v.Snippets) != 0 {
		t.Fatalf("view = %+v", v)
	}
	if elapsed >= 2*timeout {
		t.Fatalf("open took %v, queries ran sequentially", elapsed)
	}
}

func TestOpenEmptyListIsNotError(t *testing.T) {
	b := bus.NewMemoryBus()
	b.SetActiveTab(2)
	pageStub(t, b, 2, 0, `[]`)

	v, err := popup.New(b, b).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Count != 0 || len(v.Snippets) != 0 {
		t.Fatalf("view = %+v", v)
	}
}

func TestSelect(t *testing.T) {
	b := bus.NewMemoryBus()
	got := make(chan bus.Envelope, 1)
	unsub := b.Subscribe(4, bus.TargetPage, func(_ context.Context, env bus.Envelope) (json.RawMessage, error) {
		got <- env
		return nil, nil
	})
	t.Cleanup(unsub)

	if err := popup.New(b, b).Select(context.Background(), 4, "1"); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-got:
		if env.Type != bus.TypeGoToSnippet {
			t.Fatalf("type = %q", env.Type)
		}
		var p struct {
			UID string `json:"uid"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UID != "1" {
			t.Fatalf("payload = %s", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}
}

// Package cookiewatch mirrors the host browser's cookie jar into SQLite
// and turns table mutations into cookie change events for the session
// coordinator.
//
// The bridge (or a test) writes rows through Store; Watcher polls the
// table and emits one Change per added, updated, or removed cookie.
// Events carry the cookie's domain so consumers can scope their reaction —
// the coordinator ignores everything outside the companion domain.
package cookiewatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Schema creates the cookies table. Pass to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS cookies (
	domain TEXT NOT NULL,
	name   TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (domain, name)
);`

// Cookie is one cookie as seen by the host.
type Cookie struct {
	Domain string
	Name   string
	Value  string
}

// Change is a single cookie lifecycle event. Removed=true means the cookie
// disappeared; otherwise it was set or its value changed.
type Change struct {
	Cookie  Cookie
	Removed bool
}

// Store is the host-facing side: whatever bridges the real browser mirrors
// its cookie jar through these calls.
type Store struct {
	db *sql.DB
}

// NewStore wraps the cookies table. Schema must already be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the value of a cookie. ok=false when absent.
func (s *Store) Get(ctx context.Context, domain, name string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM cookies WHERE domain = ? AND name = ?`, domain, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cookiewatch: get %s/%s: %w", domain, name, err)
	}
	return value, true, nil
}

// Set writes or replaces a cookie.
func (s *Store) Set(ctx context.Context, c Cookie) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cookies (domain, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(domain, name) DO UPDATE SET value = excluded.value`,
		c.Domain, c.Name, c.Value)
	if err != nil {
		return fmt.Errorf("cookiewatch: set %s/%s: %w", c.Domain, c.Name, err)
	}
	return nil
}

// Delete removes a cookie. Removing an absent cookie is a no-op.
func (s *Store) Delete(ctx context.Context, domain, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cookies WHERE domain = ? AND name = ?`, domain, name); err != nil {
		return fmt.Errorf("cookiewatch: delete %s/%s: %w", domain, name, err)
	}
	return nil
}

// Watcher polls the cookies table and diffs it against the last snapshot.
// The table is tiny (one jar), so a full diff per tick is cheaper and more
// reliable than version detection — PRAGMA data_version only moves for
// writes from other connections.
type Watcher struct {
	db       *sql.DB
	interval time.Duration
	logger   *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the polling frequency. Default: 250ms.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a Watcher on the same database the Store writes to.
func NewWatcher(db *sql.DB, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		db:       db,
		interval: 250 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type cookieKey struct {
	domain string
	name   string
}

// Run polls until ctx is cancelled, sending one Change per observed
// mutation. The returned channel is closed on shutdown. The first snapshot
// seeds silently: cookies that existed before Run started do not produce
// events (the coordinator evaluates startup state itself).
func (w *Watcher) Run(ctx context.Context) <-chan Change {
	out := make(chan Change, 16)

	go func() {
		defer close(out)

		snapshot, err := w.load(ctx)
		if err != nil {
			w.logger.Warn("cookiewatch: initial snapshot failed", "error", err)
			snapshot = map[cookieKey]string{}
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info("cookiewatch: started", "interval", w.interval)
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("cookiewatch: stopped")
				return
			case <-ticker.C:
				current, err := w.load(ctx)
				if err != nil {
					w.logger.Warn("cookiewatch: poll failed", "error", err)
					continue
				}
				for _, ch := range diff(snapshot, current) {
					select {
					case out <- ch:
					case <-ctx.Done():
						return
					}
				}
				snapshot = current
			}
		}
	}()

	return out
}

func (w *Watcher) load(ctx context.Context) (map[cookieKey]string, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT domain, name, value FROM cookies`)
	if err != nil {
		return nil, fmt.Errorf("cookiewatch: query: %w", err)
	}
	defer rows.Close()

	m := make(map[cookieKey]string)
	for rows.Next() {
		var k cookieKey
		var v string
		if err := rows.Scan(&k.domain, &k.name, &v); err != nil {
			return nil, fmt.Errorf("cookiewatch: scan: %w", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cookiewatch: rows: %w", err)
	}
	return m, nil
}

// diff computes set/removed events between two snapshots.
func diff(old, cur map[cookieKey]string) []Change {
	var changes []Change
	for k, v := range cur {
		if prev, ok := old[k]; !ok || prev != v {
			changes = append(changes, Change{
				Cookie: Cookie{Domain: k.domain, Name: k.name, Value: v},
			})
		}
	}
	for k, v := range old {
		if _, ok := cur[k]; !ok {
			changes = append(changes, Change{
				Cookie:  Cookie{Domain: k.domain, Name: k.name, Value: v},
				Removed: true,
			})
		}
	}
	return changes
}

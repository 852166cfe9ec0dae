package progress

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const flushBatch = 256

// SQLiteLedger appends progress events to a SQLite database from a single
// writer goroutine. Events are buffered; when the buffer is full they are
// dropped and counted rather than blocking the caller.
type SQLiteLedger struct {
	l  logrus.FieldLogger
	db *sql.DB

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64
}

// OpenSQLite opens or creates the ledger at path with the given buffer size.
func OpenSQLite(l logrus.FieldLogger, path string, buffer int) (*SQLiteLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("progress: empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS progress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player TEXT NOT NULL,
		verb TEXT NOT NULL,
		item TEXT NOT NULL,
		qty INTEGER NOT NULL,
		at TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS progress_player_idx ON progress(player, verb, item);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if buffer <= 0 {
		buffer = 4096
	}
	s := &SQLiteLedger{l: l, db: db, ch: make(chan Event, buffer)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// Record implements Sink.
func (s *SQLiteLedger) Record(e Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the writer fell
// behind.
func (s *SQLiteLedger) Dropped() int64 { return s.dropped.Load() }

func (s *SQLiteLedger) loop() {
	batch := make([]Event, 0, flushBatch)
	for e := range s.ch {
		batch = append(batch[:0], e)
	drain:
		for len(batch) < flushBatch {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := s.write(batch); err != nil {
			s.l.WithError(err).Warnf("Unable to persist %d progress events.", len(batch))
		}
	}
}

func (s *SQLiteLedger) write(batch []Event) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO progress(player, verb, item, qty, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.Exec(e.Player, string(e.Verb), e.Item, e.Qty, e.At.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Total sums the quantity recorded for a player, verb and item.
func (s *SQLiteLedger) Total(ctx context.Context, player string, verb Verb, item string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(qty) FROM progress WHERE player = ? AND verb = ? AND item = ?`,
		player, string(verb), item).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// Close flushes pending events and closes the database.
func (s *SQLiteLedger) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

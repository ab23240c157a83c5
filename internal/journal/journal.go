// Package journal persists an append-only audit trail of broker events to
// a SQLite database file. The journal is write-only at runtime: broker
// state is never reconstructed from it, so all protocol state remains
// in-memory and ephemeral. Writes are asynchronous and best-effort; a full
// queue drops events rather than stalling the broker.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMs = 5000
	queueDepth    = 256
)

// Kind labels one class of journaled event.
type Kind string

const (
	KindRegister   Kind = "register"
	KindUnregister Kind = "unregister"
	KindReward     Kind = "reward"
	KindPenalty    Kind = "penalty"
	KindSettlement Kind = "settlement"
)

// Event is one journal row.
type Event struct {
	At        time.Time
	Kind      Kind
	Subject   string // session id or provider address
	RequestID string
	Amount    uint64
	Score     uint64 // score after the adjustment, when applicable
}

// Journal is an append-only SQLite event log with an asynchronous writer.
type Journal struct {
	db   *sql.DB
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

// Open creates or opens the journal database at path and starts the
// writer goroutine.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(path)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	j := &Journal{
		db:   db,
		ch:   make(chan Event, queueDepth),
		done: make(chan struct{}),
	}
	if err := j.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

func (j *Journal) ensureSchema() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// Record queues an event for persistence. Safe on a nil journal; drops
// the event when the queue is full or the journal is closed.
func (j *Journal) Record(e Event) {
	if j == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case <-j.done:
	case j.ch <- e:
	default:
		log.Printf("Journal queue full, dropping %s event for %s", e.Kind, e.Subject)
	}
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.done:
			// Drain whatever was queued before close.
			for {
				select {
				case e := <-j.ch:
					j.insert(e)
				default:
					return
				}
			}
		case e := <-j.ch:
			j.insert(e)
		}
	}
}

func (j *Journal) insert(e Event) {
	_, err := j.db.Exec(
		`INSERT INTO events (at, kind, subject, request_id, amount, score) VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), string(e.Kind), e.Subject, e.RequestID, e.Amount, e.Score,
	)
	if err != nil {
		log.Printf("Journal insert failed: %v", err)
	}
}

// Close stops the writer and releases the database. Queued events are
// flushed before the connection closes.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	close(j.done)
	j.wg.Wait()
	return j.db.Close()
}

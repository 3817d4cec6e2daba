// Package outbox persists messages that could not be sent while the websocket
// was down and replays them once the connection returns. It is the production
// replacement for silently simulating delivery in degraded mode.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/bizlink/bizlink-realtime/internal/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         TEXT PRIMARY KEY,
	msg_type   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);
`

// Entry is one queued message.
type Entry struct {
	ID        string          `db:"id"`
	MsgType   string          `db:"msg_type"`
	Payload   json.RawMessage `db:"payload"`
	Attempts  int             `db:"attempts"`
	CreatedAt time.Time       `db:"created_at"`
}

// SendFunc transmits one queued message; it returns false when the transport
// is (still) not open, matching realtime.Service.Send.
type SendFunc func(msgType string, payload json.RawMessage) bool

// Outbox is a SQLite-backed pending-send queue.
type Outbox struct {
	db      *sqlx.DB
	limiter *rate.Limiter
	log     *slog.Logger
}

// Open creates or opens the queue database at path. flushPerSec paces replay
// on reconnect; 0 means 10 messages per second.
func Open(path string, flushPerSec float64, log *slog.Logger) (*Outbox, error) {
	if flushPerSec <= 0 {
		flushPerSec = 10
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	o := &Outbox{
		db:      db,
		limiter: rate.NewLimiter(rate.Limit(flushPerSec), 1),
		log:     log,
	}
	o.updateDepthGauge()
	return o, nil
}

// Close releases the database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue stores one message for later replay.
func (o *Outbox) Enqueue(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = o.db.Exec(
		`INSERT INTO outbox (id, msg_type, payload, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		uuid.New().String(), msgType, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	o.updateDepthGauge()
	o.log.Info("message queued for retry", "type", msgType)
	return nil
}

// Depth reports the number of queued messages.
func (o *Outbox) Depth() (int, error) {
	var n int
	if err := o.db.Get(&n, `SELECT COUNT(*) FROM outbox`); err != nil {
		return 0, fmt.Errorf("count outbox messages: %w", err)
	}
	return n, nil
}

// Flush replays queued messages in enqueue order through send, deleting each
// on success. It stops at the first refusal (transport down again) or context
// cancellation and returns the number delivered.
func (o *Outbox) Flush(ctx context.Context, send SendFunc) (int, error) {
	var entries []Entry
	err := o.db.Select(&entries, `SELECT id, msg_type, payload, attempts, created_at FROM outbox ORDER BY created_at`)
	if err != nil {
		return 0, fmt.Errorf("load outbox messages: %w", err)
	}

	delivered := 0
	for _, e := range entries {
		if err := o.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if !send(e.MsgType, e.Payload) {
			if _, uerr := o.db.Exec(`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, e.ID); uerr != nil {
				o.log.Warn("outbox attempt update failed", "id", e.ID, "err", uerr)
			}
			break
		}
		if _, derr := o.db.Exec(`DELETE FROM outbox WHERE id = ?`, e.ID); derr != nil {
			return delivered, fmt.Errorf("dequeue outbox message: %w", derr)
		}
		delivered++
	}
	if delivered > 0 {
		o.log.Info("outbox flushed", "delivered", delivered, "remaining", len(entries)-delivered)
	}
	o.updateDepthGauge()
	return delivered, nil
}

func (o *Outbox) updateDepthGauge() {
	if n, err := o.Depth(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}

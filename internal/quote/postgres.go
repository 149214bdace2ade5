package quote

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists quotes in Postgres. Used when COORDINATOR_DATABASE_URL
// is configured; single-node deployments fall back to MemoryStore.
type PostgresStore struct {
	db *sql.DB
}

const quotesSchema = `
CREATE TABLE IF NOT EXISTS quotes (
    id              TEXT PRIMARY KEY,
    task            TEXT NOT NULL,
    items           JSONB NOT NULL,
    subtotal        TEXT NOT NULL,
    coordinator_fee TEXT NOT NULL,
    buffer_amount   TEXT NOT NULL,
    platform_fee    TEXT NOT NULL,
    total           TEXT NOT NULL,
    state           TEXT NOT NULL,
    created_at      BIGINT NOT NULL,
    expires_at      BIGINT NOT NULL,
    signature       TEXT NOT NULL,
    tx_hash         TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS quotes_tx_hash ON quotes (tx_hash) WHERE tx_hash IS NOT NULL;
`

// NewPostgresStore opens the store and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open quotes database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping quotes database: %w", err)
	}
	if _, err := db.Exec(quotesSchema); err != nil {
		return nil, fmt.Errorf("ensure quotes schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Put(q *Quote) error {
	items, err := json.Marshal(q.Items)
	if err != nil {
		return fmt.Errorf("encode quote items: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO quotes (id, task, items, subtotal, coordinator_fee, buffer_amount, platform_fee, total, state, created_at, expires_at, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		q.ID, q.Task, items,
		q.Subtotal.String(), q.CoordinatorFee.String(), q.Buffer.String(), q.PlatformFee.String(), q.Total.String(),
		string(q.State), q.CreatedAt, q.ExpiresAt, q.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(id string) (*Quote, error) {
	row := s.db.QueryRow(`
		SELECT id, task, items, subtotal, coordinator_fee, buffer_amount, platform_fee, total, state, created_at, expires_at, signature, COALESCE(tx_hash, '')
		FROM quotes WHERE id = $1`, id)

	var q Quote
	var items []byte
	var subtotal, coordFee, buffer, platFee, total, state string
	err := row.Scan(&q.ID, &q.Task, &items, &subtotal, &coordFee, &buffer, &platFee, &total, &state, &q.CreatedAt, &q.ExpiresAt, &q.Signature, &q.TxHash)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read quote: %w", err)
	}

	if err := json.Unmarshal(items, &q.Items); err != nil {
		return nil, fmt.Errorf("decode quote items: %w", err)
	}
	q.State = State(state)
	q.Subtotal = mustBig(subtotal)
	q.CoordinatorFee = mustBig(coordFee)
	q.Buffer = mustBig(buffer)
	q.PlatformFee = mustBig(platFee)
	q.Total = mustBig(total)
	return &q, nil
}

// MarkExecuted relies on the conditional UPDATE plus the partial unique
// index on tx_hash for atomicity: exactly one caller wins.
func (s *PostgresStore) MarkExecuted(id, txHash string) error {
	res, err := s.db.Exec(`
		UPDATE quotes SET state = $1, tx_hash = $2
		WHERE id = $3 AND state = $4`,
		string(StateExecuted), txHash, id, string(StatePending))
	if err != nil {
		// Unique violation on quotes_tx_hash: the tx paid another quote.
		return fmt.Errorf("%w: %v", ErrTxConsumed, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrQuoteNotPending, id)
	}
	return nil
}

func (s *PostgresStore) MarkExpired(id string) error {
	res, err := s.db.Exec(`
		UPDATE quotes SET state = $1
		WHERE id = $2 AND state IN ($3, $1)`,
		string(StateExpired), id, string(StatePending))
	if err != nil {
		return fmt.Errorf("expire quote: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrQuoteNotPending, id)
	}
	return nil
}

func (s *PostgresStore) PurgeBefore(cutoff time.Time) int {
	res, err := s.db.Exec(`
		DELETE FROM quotes WHERE state != $1 AND expires_at < $2`,
		string(StatePending), cutoff.UnixMilli())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

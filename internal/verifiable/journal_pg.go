package verifiable

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresJournal persists the job journal append-only. The live manager
// keeps the journal in memory; this sink exists so a restarted coordinator
// can reconstruct terminal states with ReplayStates.
type PostgresJournal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS job_journal (
    seq        BIGINT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    at         BIGINT NOT NULL,
    note       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_journal_job ON job_journal (job_id);
`

// NewPostgresJournal opens the journal store and ensures the schema exists.
func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &PostgresJournal{db: db}, nil
}

// Close releases the connection pool.
func (j *PostgresJournal) Close() error { return j.db.Close() }

// Append implements JournalSink. Seq is the primary key, so a replayed
// append is a no-op.
func (j *PostgresJournal) Append(e JournalEntry) error {
	_, err := j.db.Exec(`
		INSERT INTO job_journal (seq, job_id, from_state, to_state, at, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seq) DO NOTHING`,
		int64(e.Seq), e.JobID, string(e.From), string(e.To), e.At, e.Note)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Load returns every persisted entry in Seq order.
func (j *PostgresJournal) Load() ([]JournalEntry, error) {
	rows, err := j.db.Query(`
		SELECT seq, job_id, from_state, to_state, at, note
		FROM job_journal ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var seq int64
		var from, to string
		if err := rows.Scan(&seq, &e.JobID, &from, &to, &e.At, &e.Note); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.From = State(from)
		e.To = State(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

package record

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/astrolab/finkstream/encoding"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	// SQLiteDriverName is the database/sql driver registered by go-sqlite3
	SQLiteDriverName = "sqlite3"

	tableAlerts = "alerts"
	tableLeases = "append_leases"

	// Rows per INSERT statement; 5 placeholders each stays well under SQLite's variable limit
	insertChunkSize = 100
	// Keys per UPDATE ... IN (...) statement
	updateChunkSize = 500

	defaultBusyTimeoutMS = 5000

	// An append must commit within leaseTTL of taking its lease. Older
	// leases belong to crashed writers and no longer hold back readers.
	leaseTTL = 10 * time.Minute
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS alerts (
	row_key   TEXT PRIMARY KEY,
	object_id TEXT NOT NULL,
	status    TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	payload   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_ts ON alerts(ts);
CREATE INDEX IF NOT EXISTS alerts_status ON alerts(status);
CREATE TABLE IF NOT EXISTS append_leases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL
);
`

// Store is the science record store backed by SQLite in WAL mode, so the
// ingestion and distribution processes can share it.
//
// Record timestamps are assigned by Append while it holds the write lock.
// Before that, every append commits a lease row carrying its start time;
// Horizon reports the oldest live lease so readers never move a cursor past
// rows that are still being written.
type Store struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	path    string
	now     func() time.Time

	beforeCommit func() // test hook, runs inside the append transaction
}

// Open opens (and creates if needed) the science store at path
func Open(path string, busyTimeoutMS int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("record store path is required")
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = defaultBusyTimeoutMS
	}

	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", sep, busyTimeoutMS)
	}

	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	// SQLite allows a single writer; one connection keeps writes serialized in-process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create record schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Opened record store")

	return &Store{
		db:      db,
		dialect: goqu.Dialect("sqlite3"),
		path:    path,
		now:     time.Now,
	}, nil
}

// SetClock replaces the clock used to stamp appended records
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts records with status new (unless set) and stamps their
// Timestamp with the store clock at commit; any Timestamp on the batch is
// ignored. Rows whose key already exists are left untouched, so replaying
// an ingestion batch never resets a distributed status.
func (s *Store) Append(ctx context.Context, batch Batch) error {
	if len(batch) == 0 {
		return nil
	}
	for _, rec := range batch {
		if rec.ID == "" {
			return fmt.Errorf("record without row key")
		}
	}

	leaseID, leaseTS, err := s.acquireLease(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			s.releaseLease(context.WithoutCancel(ctx), leaseID)
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	// The write lock is held from BEGIN (_txlock=immediate); the stamp is
	// never older than the lease readers may have seen
	ts := max(s.now().UnixMilli(), leaseTS)

	for start := 0; start < len(batch); start += insertChunkSize {
		end := min(start+insertChunkSize, len(batch))

		rows := make([]interface{}, 0, end-start)
		for _, rec := range batch[start:end] {
			payload, err := encoding.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
			}
			status := rec.Status
			if status == "" {
				status = StatusNew
			}
			rows = append(rows, goqu.Record{
				"row_key":   rec.ID,
				"object_id": rec.ObjectID(),
				"status":    string(status),
				"ts":        ts,
				"payload":   payload,
			})
		}

		query, args, err := s.dialect.Insert(tableAlerts).
			Rows(rows...).
			OnConflict(goqu.DoNothing()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert records: %w", err)
		}
	}

	if err := s.deleteLease(ctx, tx, leaseID); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	if s.now().UnixMilli()-leaseTS >= leaseTTL.Milliseconds() {
		return fmt.Errorf("append of %d records outlived its %s lease", len(batch), leaseTTL)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	committed = true
	return nil
}

// acquireLease commits a lease row stamped with the current time and prunes
// leases left behind by crashed writers
func (s *Store) acquireLease(ctx context.Context) (int64, int64, error) {
	stamp := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin lease: %w", err)
	}
	defer tx.Rollback()

	prune, args, err := s.dialect.Delete(tableLeases).
		Where(goqu.C("ts").Lte(stamp - leaseTTL.Milliseconds())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build lease prune: %w", err)
	}
	if _, err := tx.ExecContext(ctx, prune, args...); err != nil {
		return 0, 0, fmt.Errorf("failed to prune leases: %w", err)
	}

	insert, args, err := s.dialect.Insert(tableLeases).
		Rows(goqu.Record{"ts": stamp}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build lease: %w", err)
	}
	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to take lease: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read lease id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit lease: %w", err)
	}
	return id, stamp, nil
}

func (s *Store) deleteLease(ctx context.Context, tx *sql.Tx, id int64) error {
	query, args, err := s.dialect.Delete(tableLeases).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build lease release: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// releaseLease drops the lease of an append that did not commit. A failure
// only delays readers until the lease expires.
func (s *Store) releaseLease(ctx context.Context, id int64) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		if err = s.deleteLease(ctx, tx, id); err == nil {
			err = tx.Commit()
		}
	}
	if err != nil {
		log.Warn().Err(err).Int64("lease", id).Msg("Failed to release append lease")
	}
}

// Horizon implements Horizon: the start time of the oldest append still in
// flight, or now when there is none
func (s *Store) Horizon(ctx context.Context, now int64) (int64, error) {
	query, args, err := s.dialect.From(tableLeases).
		Select(goqu.MIN("ts")).
		Where(goqu.C("ts").Gt(now - leaseTTL.Milliseconds())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build horizon query: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("failed to read append leases: %w", err)
	}
	if oldest.Valid && oldest.Int64 < now {
		return oldest.Int64, nil
	}
	return now, nil
}

// Scan implements Source
func (s *Store) Scan(ctx context.Context, minTS, maxTS int64, exclude Status) (Batch, error) {
	where := []exp.Expression{
		goqu.C("ts").Gte(minTS),
		goqu.C("ts").Lt(maxTS),
	}
	if exclude != "" {
		where = append(where, goqu.C("status").Neq(string(exclude)))
	}

	query, args, err := s.dialect.From(tableAlerts).
		Select("row_key", "status", "ts", "payload").
		Where(where...).
		Order(goqu.C("ts").Asc(), goqu.C("row_key").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build scan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan [%d, %d): %w", minTS, maxTS, err)
	}
	defer rows.Close()

	var batch Batch
	for rows.Next() {
		var (
			rec     Record
			status  string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &status, &rec.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		rec.Status = Status(status)
		if err := encoding.Unmarshal(payload, &rec.Fields); err != nil {
			// Corrupted rows are skipped; the counter keeps them visible
			telemetry.RecordsTotal.With("undecodable").Inc()
			log.Warn().Err(err).Str("row_key", rec.ID).Msg("Failed to decode record payload")
			continue
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan: %w", err)
	}

	return batch, nil
}

// MarkDistributed implements Source. All keys are updated in one transaction.
func (s *Store) MarkDistributed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += updateChunkSize {
		end := min(start+updateChunkSize, len(ids))

		query, args, err := s.dialect.Update(tableAlerts).
			Set(goqu.Record{"status": string(StatusDistributed)}).
			Where(goqu.C("row_key").In(ids[start:end])).
			Prepared(true).
			ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark records distributed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark: %w", err)
	}
	return nil
}

// CountByStatus returns the number of records per status
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	query, args, err := s.dialect.From(tableAlerts).
		Select(goqu.C("status"), goqu.COUNT(goqu.Star())).
		GroupBy(goqu.C("status")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func formatNumber(v interface{}) string {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

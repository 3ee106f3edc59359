package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    definition TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assigned_at INTEGER NOT NULL,
    has_converted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, user_id)
);

CREATE TABLE IF NOT EXISTS conversions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    goal_id TEXT NOT NULL,
    event_name TEXT NOT NULL,
    value REAL,
    metadata TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversions_user ON conversions(test_id, user_id);

CREATE TABLE IF NOT EXISTS variant_metrics (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    impressions INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    revenue REAL NOT NULL DEFAULT 0,
    engagement_time REAL NOT NULL DEFAULT 0,
    bounces INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, variant_id)
);

CREATE TABLE IF NOT EXISTS custom_metrics (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    total REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, variant_id, name)
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer; one connection keeps check-then-write sequences serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: apply schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, test *Test) error {
	def, err := json.Marshal(test)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal test")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tests (id, name, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		test.ID, test.Name, string(test.Status), string(def), test.CreatedAt.UnixNano(), test.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert test")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: insert test")
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM tests WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get test %s", id)
	}
	return decodeTest(def)
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM tests ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tests")
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan test")
		}
		t, err := decodeTest(def)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, eris.Wrap(rows.Err(), "sqlite: iterate tests")
}

func (s *SQLiteStore) UpdateTest(ctx context.Context, test *Test) error {
	def, err := json.Marshal(test)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal test")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tests SET name = ?, status = ?, definition = ?, updated_at = ? WHERE id = ?`,
		test.Name, string(test.Status), string(def), test.UpdatedAt.UnixNano(), test.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update test %s", test.ID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback()

	// Related rows go first
	for _, q := range []string{
		`DELETE FROM conversions WHERE test_id = ?`,
		`DELETE FROM assignments WHERE test_id = ?`,
		`DELETE FROM variant_metrics WHERE test_id = ?`,
		`DELETE FROM custom_metrics WHERE test_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete related rows of %s", id)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete test %s", id)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (*UserAssignment, bool, error) {
	created, err := s.insertAssignment(ctx, a, onCreate)
	if err != nil {
		return nil, false, err
	}
	if created {
		return cloneAssignment(a), true, nil
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// insertAssignment inserts a and its counters in one transaction. The primary
// key makes the first insert win; later inserts are ignored.
func (s *SQLiteStore) insertAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin assignment")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (test_id, user_id, variant_id, assigned_at, has_converted)
		 VALUES (?, ?, ?, ?, 0)`,
		a.TestID, a.UserID, a.VariantID, a.AssignedAt.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert assignment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if err := incrementTx(ctx, tx, a.TestID, a.VariantID, onCreate); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit assignment")
	}
	return true, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, userID string) (*UserAssignment, error) {
	a := UserAssignment{TestID: testID, UserID: userID}
	var assignedAt int64
	var converted int

	err := s.db.QueryRowContext(ctx,
		`SELECT variant_id, assigned_at, has_converted FROM assignments WHERE test_id = ? AND user_id = ?`,
		testID, userID,
	).Scan(&a.VariantID, &assignedAt, &converted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get assignment")
	}
	a.AssignedAt = time.Unix(0, assignedAt)
	a.HasConverted = converted == 1

	events, err := s.conversions(ctx, `WHERE test_id = ? AND user_id = ?`, testID, userID)
	if err != nil {
		return nil, err
	}
	a.Conversions = events[userID]
	return &a, nil
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, testID string) ([]*UserAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, variant_id, assigned_at, has_converted FROM assignments
		 WHERE test_id = ? ORDER BY assigned_at, user_id`, testID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assignments")
	}
	defer rows.Close()

	var out []*UserAssignment
	for rows.Next() {
		a := UserAssignment{TestID: testID}
		var assignedAt int64
		var converted int
		if err := rows.Scan(&a.UserID, &a.VariantID, &assignedAt, &converted); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		a.AssignedAt = time.Unix(0, assignedAt)
		a.HasConverted = converted == 1
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate assignments")
	}

	events, err := s.conversions(ctx, `WHERE test_id = ?`, testID)
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		a.Conversions = events[a.UserID]
	}
	return out, nil
}

// conversions loads conversion events grouped by user.
func (s *SQLiteStore) conversions(ctx context.Context, where string, args ...any) (map[string][]ConversionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, goal_id, event_name, value, metadata, created_at FROM conversions `+where+` ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query conversions")
	}
	defer rows.Close()

	out := make(map[string][]ConversionEvent)
	for rows.Next() {
		var userID string
		var ev ConversionEvent
		var value sql.NullFloat64
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&userID, &ev.GoalID, &ev.EventName, &value, &metadata, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conversion")
		}
		if value.Valid {
			v := value.Float64
			ev.Value = &v
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal conversion metadata")
			}
		}
		ev.Timestamp = time.Unix(0, createdAt)
		out[userID] = append(out[userID], ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate conversions")
}

func (s *SQLiteStore) AppendConversion(ctx context.Context, testID, userID string, ev ConversionEvent, delta ConversionDelta) (bool, error) {
	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal conversion metadata")
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	var value sql.NullFloat64
	if ev.Value != nil {
		value = sql.NullFloat64{Float64: *ev.Value, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin conversion")
	}
	defer tx.Rollback()

	var variantID string
	err = tx.QueryRowContext(ctx,
		`SELECT variant_id FROM assignments WHERE test_id = ? AND user_id = ?`, testID, userID,
	).Scan(&variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check assignment")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE assignments SET has_converted = 1 WHERE test_id = ? AND user_id = ? AND has_converted = 0`,
		testID, userID,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: mark converted")
	}
	flipped, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversions (test_id, user_id, goal_id, event_name, value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		testID, userID, ev.GoalID, ev.EventName, value, metadata, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert conversion")
	}

	if err := incrementTx(ctx, tx, testID, variantID, delta.Always); err != nil {
		return false, err
	}
	if flipped == 1 {
		if err := incrementTx(ctx, tx, testID, variantID, delta.First); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit conversion")
	}
	return flipped == 1, nil
}

func (s *SQLiteStore) IncrementMetrics(ctx context.Context, testID, variantID string, d MetricsDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin metrics")
	}
	defer tx.Rollback()

	if err := incrementTx(ctx, tx, testID, variantID, d); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit metrics")
}

func incrementTx(ctx context.Context, tx *sql.Tx, testID, variantID string, d MetricsDelta) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO variant_metrics (test_id, variant_id, impressions, conversions, revenue, engagement_time, bounces)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (test_id, variant_id) DO UPDATE SET
		     impressions = impressions + excluded.impressions,
		     conversions = conversions + excluded.conversions,
		     revenue = revenue + excluded.revenue,
		     engagement_time = engagement_time + excluded.engagement_time,
		     bounces = bounces + excluded.bounces`,
		testID, variantID, d.Impressions, d.Conversions, d.Revenue, d.EngagementTime, d.Bounces,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: increment metrics")
	}

	for name, v := range d.Custom {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO custom_metrics (test_id, variant_id, name, total) VALUES (?, ?, ?, ?)
			 ON CONFLICT (test_id, variant_id, name) DO UPDATE SET total = total + excluded.total`,
			testID, variantID, name, v,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: increment custom metric %s", name)
		}
	}
	return nil
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, testID string) (map[string]VariantMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, impressions, conversions, revenue, engagement_time, bounces
		 FROM variant_metrics WHERE test_id = ?`, testID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get metrics")
	}
	defer rows.Close()

	out := make(map[string]VariantMetrics)
	for rows.Next() {
		var id string
		var m VariantMetrics
		if err := rows.Scan(&id, &m.Impressions, &m.Conversions, &m.Revenue, &m.EngagementTime, &m.Bounces); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metrics")
		}
		out[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate metrics")
	}

	custom, err := s.db.QueryContext(ctx,
		`SELECT variant_id, name, total FROM custom_metrics WHERE test_id = ?`, testID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get custom metrics")
	}
	defer custom.Close()

	for custom.Next() {
		var id, name string
		var total float64
		if err := custom.Scan(&id, &name, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan custom metric")
		}
		m := out[id]
		if m.CustomMetrics == nil {
			m.CustomMetrics = make(map[string]float64)
		}
		m.CustomMetrics[name] = total
		out[id] = m
	}
	if err := custom.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate custom metrics")
	}

	for id, m := range out {
		m.Derive()
		out[id] = m
	}
	return out, nil
}

func decodeTest(def string) (*Test, error) {
	var t Test
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal test")
	}
	return &t, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

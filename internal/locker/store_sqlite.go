package locker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on the core SQLite database.
type SQLiteStore struct {
	sqlQueries
	db *database.DB
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{sqlQueries: sqlQueries{q: db.DB}, db: db}
}

// WithTx runs fn in a database transaction via database.DB.WithTx.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(sqlQueries{q: tx})
	})
}

// sqlQueries holds every statement; the querier decides whether they run
// inside a transaction.
type sqlQueries struct {
	q querier
}

const lockerColumns = `id, name, business_name, latitude, longitude, opening_hours, status,
	total_boxes, full_boxes, occupied_boxes, empty_boxes_left, fullness,
	last_online, temperature_c, created_at, updated_at`

const boxColumns = `id, locker_id, box_id, height, width, length, volume, status, health,
	occupied_from, occupied_to, customer_name, customer_phone, parcel_description, merchant,
	code_part1, code_part2, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s sqlQueries) GetLocker(ctx context.Context, id string) (*Locker, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+lockerColumns+" FROM lockers WHERE id = ?", id)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLockerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying locker: %w", err)
	}
	return l, nil
}

func (s sqlQueries) ListLockers(ctx context.Context) ([]Locker, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+lockerColumns+" FROM lockers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying lockers: %w", err)
	}
	defer rows.Close()

	lockers := []Locker{}
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning locker: %w", err)
		}
		lockers = append(lockers, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lockers: %w", err)
	}
	return lockers, nil
}

func (s sqlQueries) ListBoxes(ctx context.Context, lockerID string) ([]Box, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+boxColumns+" FROM boxes WHERE locker_id = ? ORDER BY box_id", lockerID)
	if err != nil {
		return nil, fmt.Errorf("querying boxes: %w", err)
	}
	defer rows.Close()

	boxes := []Box{}
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning box: %w", err)
		}
		boxes = append(boxes, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating boxes: %w", err)
	}
	return boxes, nil
}

func (s sqlQueries) GetBox(ctx context.Context, id int64) (*Box, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+boxColumns+" FROM boxes WHERE id = ?", id)
	b, err := scanBox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBoxNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying box: %w", err)
	}
	return b, nil
}

func (s sqlQueries) ListHistory(ctx context.Context, boxRef int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, box_pk, locker_id, box_id, status, health, height, width, length,
			occupied_from, occupied_to, customer_name, customer_phone, parcel_description, merchant,
			code_part1, code_part2, recorded_at
		FROM box_history
		WHERE box_pk = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, boxRef, limit)
	if err != nil {
		return nil, fmt.Errorf("querying box history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			h                      HistoryEntry
			b                      = &h.Snapshot
			from, to               sql.NullString
			name, phone, desc, mer sql.NullString
			c1, c2                 sql.NullString
			status, health         string
			recorded               string
		)
		if err := rows.Scan(&h.ID, &h.BoxRef, &b.LockerID, &b.BoxID, &status, &health,
			&b.Height, &b.Width, &b.Length, &from, &to, &name, &phone, &desc, &mer,
			&c1, &c2, &recorded); err != nil {
			return nil, fmt.Errorf("scanning box history: %w", err)
		}
		b.ID = h.BoxRef
		b.Status, b.Health = BoxStatus(status), BoxHealth(health)
		b.Volume = b.Dimensions.Volume()
		b.OccupiedFrom = parseNullTime(from)
		b.OccupiedTo = parseNullTime(to)
		b.Parcel = parcelFromColumns(name, phone, desc, mer)
		b.CodePart1, b.CodePart2 = c1.String, c2.String
		if h.RecordedAt, err = parseTimestamp(recorded); err != nil {
			return nil, err
		}
		b.UpdatedAt = h.RecordedAt
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating box history: %w", err)
	}
	return entries, nil
}

func (s sqlQueries) InsertLocker(ctx context.Context, l *Locker) error {
	_, err := s.q.ExecContext(ctx, "INSERT INTO lockers ("+lockerColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		l.ID, l.Name, l.BusinessName, nullFloat(l.Latitude), nullFloat(l.Longitude), l.OpeningHours, string(l.Status),
		l.TotalBoxes, l.FullBoxes, l.OccupiedBoxes, l.EmptyBoxesLeft, string(l.Fullness),
		nullTime(l.LastOnline), nullFloat(l.TemperatureC), formatTimestamp(l.CreatedAt), formatTimestamp(l.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: locker %s already exists", ErrConflict, l.ID)
		}
		return fmt.Errorf("inserting locker: %w", err)
	}
	return nil
}

func (s sqlQueries) UpdateLocker(ctx context.Context, l *Locker) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE lockers SET name = ?, business_name = ?, latitude = ?, longitude = ?, opening_hours = ?,
			status = ?, total_boxes = ?, full_boxes = ?, occupied_boxes = ?, empty_boxes_left = ?,
			fullness = ?, last_online = ?, temperature_c = ?, updated_at = ?
		WHERE id = ?`,
		l.Name, l.BusinessName, nullFloat(l.Latitude), nullFloat(l.Longitude), l.OpeningHours,
		string(l.Status), l.TotalBoxes, l.FullBoxes, l.OccupiedBoxes, l.EmptyBoxesLeft,
		string(l.Fullness), nullTime(l.LastOnline), nullFloat(l.TemperatureC), formatTimestamp(l.UpdatedAt),
		l.ID)
	if err != nil {
		return fmt.Errorf("updating locker: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", ErrLockerNotFound, l.ID))
}

func (s sqlQueries) DeleteLocker(ctx context.Context, id string) error {
	// Explicit order so the cascade does not depend on foreign_keys being on.
	for _, stmt := range []string{
		"DELETE FROM box_history WHERE locker_id = ?",
		"DELETE FROM boxes WHERE locker_id = ?",
	} {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting locker contents: %w", err)
		}
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM lockers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting locker: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", ErrLockerNotFound, id))
}

func (s sqlQueries) InsertBox(ctx context.Context, b *Box) error {
	name, phone, desc, mer := parcelColumns(b.Parcel)
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO boxes (locker_id, box_id, height, width, length, volume, status, health,
			occupied_from, occupied_to, customer_name, customer_phone, parcel_description, merchant,
			code_part1, code_part2, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.LockerID, b.BoxID, b.Height, b.Width, b.Length, b.Volume, string(b.Status), string(b.Health),
		nullTime(b.OccupiedFrom), nullTime(b.OccupiedTo), name, phone, desc, mer,
		nullString(b.CodePart1), nullString(b.CodePart2), formatTimestamp(b.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: box %s/%d already exists", ErrConflict, b.LockerID, b.BoxID)
		}
		return fmt.Errorf("inserting box: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading box id: %w", err)
	}
	b.ID = id
	return nil
}

func (s sqlQueries) UpdateBox(ctx context.Context, b *Box) error {
	name, phone, desc, mer := parcelColumns(b.Parcel)
	res, err := s.q.ExecContext(ctx, `
		UPDATE boxes SET status = ?, health = ?, occupied_from = ?, occupied_to = ?,
			customer_name = ?, customer_phone = ?, parcel_description = ?, merchant = ?,
			code_part1 = ?, code_part2 = ?, updated_at = ?
		WHERE id = ?`,
		string(b.Status), string(b.Health), nullTime(b.OccupiedFrom), nullTime(b.OccupiedTo),
		name, phone, desc, mer, nullString(b.CodePart1), nullString(b.CodePart2),
		formatTimestamp(b.UpdatedAt), b.ID)
	if err != nil {
		return fmt.Errorf("updating box: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: %d", ErrBoxNotFound, b.ID))
}

func (s sqlQueries) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	b := &h.Snapshot
	name, phone, desc, mer := parcelColumns(b.Parcel)
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO box_history (box_pk, locker_id, box_id, status, health, height, width, length,
			occupied_from, occupied_to, customer_name, customer_phone, parcel_description, merchant,
			code_part1, code_part2, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.BoxRef, b.LockerID, b.BoxID, string(b.Status), string(b.Health), b.Height, b.Width, b.Length,
		nullTime(b.OccupiedFrom), nullTime(b.OccupiedTo), name, phone, desc, mer,
		nullString(b.CodePart1), nullString(b.CodePart2), formatTimestamp(h.RecordedAt))
	if err != nil {
		return fmt.Errorf("inserting box history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading history id: %w", err)
	}
	h.ID = id
	return nil
}

func scanLocker(row rowScanner) (*Locker, error) {
	var (
		l                  Locker
		lat, lon, temp     sql.NullFloat64
		lastOnline         sql.NullString
		created, updated   string
		status, fullnessDB string
	)
	if err := row.Scan(&l.ID, &l.Name, &l.BusinessName, &lat, &lon, &l.OpeningHours, &status,
		&l.TotalBoxes, &l.FullBoxes, &l.OccupiedBoxes, &l.EmptyBoxesLeft, &fullnessDB,
		&lastOnline, &temp, &created, &updated); err != nil {
		return nil, err
	}
	l.Status = Status(status)
	l.Fullness = Fullness(fullnessDB)
	l.Latitude = floatPtr(lat)
	l.Longitude = floatPtr(lon)
	l.TemperatureC = floatPtr(temp)
	l.LastOnline = parseNullTime(lastOnline)

	var err error
	if l.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanBox(row rowScanner) (*Box, error) {
	var (
		b                      Box
		status, health         string
		from, to               sql.NullString
		name, phone, desc, mer sql.NullString
		c1, c2                 sql.NullString
		updated                string
	)
	if err := row.Scan(&b.ID, &b.LockerID, &b.BoxID, &b.Height, &b.Width, &b.Length, &b.Volume,
		&status, &health, &from, &to, &name, &phone, &desc, &mer, &c1, &c2, &updated); err != nil {
		return nil, err
	}
	b.Status = BoxStatus(status)
	b.Health = BoxHealth(health)
	b.OccupiedFrom = parseNullTime(from)
	b.OccupiedTo = parseNullTime(to)
	b.Parcel = parcelFromColumns(name, phone, desc, mer)
	b.CodePart1, b.CodePart2 = c1.String, c2.String

	var err error
	if b.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

// parcelColumns maps a parcel to its nullable columns. A nil parcel is all
// NULL, which the schema requires for empty boxes.
func parcelColumns(p *Parcel) (name, phone, desc, merchant sql.NullString) {
	if p == nil {
		return
	}
	return sql.NullString{String: p.CustomerName, Valid: true},
		sql.NullString{String: p.CustomerPhone, Valid: true},
		sql.NullString{String: p.Description, Valid: true},
		sql.NullString{String: p.Merchant, Valid: true}
}

func parcelFromColumns(name, phone, desc, merchant sql.NullString) *Parcel {
	if !name.Valid {
		return nil
	}
	return &Parcel{
		CustomerName:  name.String,
		CustomerPhone: phone.String,
		Description:   desc.String,
		Merchant:      merchant.String,
	}
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// timestampLayout is fixed width so stored timestamps sort correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*t), Valid: true}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

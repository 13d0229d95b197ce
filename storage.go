package shuttleplus

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Collections
// ============================================================================

const (
	CollectionBookings    = "bookings"
	CollectionUser        = "user"
	CollectionPendingSync = "pendingSync"

	// CurrentUserID is the key of the user profile singleton.
	CurrentUserID = "current"

	DefaultDatabaseFile = "shuttleplus.db"
)

var (
	ErrUnknownCollection = errors.New("shuttleplus: unknown collection")
	ErrMissingKey        = errors.New("shuttleplus: record has no key")
	ErrInvalidRecord     = errors.New("shuttleplus: record does not match its collection")
)

// migrations[i] upgrades the schema from user_version i to i+1. Statements
// must stay idempotent and never drop data.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS bookings (
			booking_reference TEXT PRIMARY KEY,
			status            TEXT NOT NULL DEFAULT '',
			user_id           TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL DEFAULT '',
			saved_at          TEXT NOT NULL DEFAULT '',
			doc               TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_created_at ON bookings(created_at)`,
		`CREATE TABLE IF NOT EXISTS user_profile (
			id  TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_sync (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT '',
			doc        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_sync_type ON pending_sync(type)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_sync_created_at ON pending_sync(created_at)`,
	},
}

// SchemaVersion is the user_version a fully migrated database carries.
var SchemaVersion = len(migrations)

type collectionTable struct {
	table string
	key   string
	order string
}

var collections = map[string]collectionTable{
	CollectionBookings:    {table: "bookings", key: "booking_reference", order: "booking_reference"},
	CollectionUser:        {table: "user_profile", key: "id", order: "id"},
	CollectionPendingSync: {table: "pending_sync", key: "id", order: "id"},
}

func lookupCollection(name string) (collectionTable, error) {
	t, ok := collections[name]
	if !ok {
		return t, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return t, nil
}

// ============================================================================
// Storage
// ============================================================================

// Storage is the durable local store backing offline mode. The database is
// opened and migrated lazily on first use; every operation fails with
// ErrStorageUnavailable while the engine cannot be opened.
type Storage struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	db *sql.DB

	Bookings *BookingStore
	User     *UserStore
}

type StorageOption func(*Storage)

func WithStorageLogger(l *slog.Logger) StorageOption {
	return func(s *Storage) { s.logger = l.With("component", "storage") }
}

// WithClock overrides the time source used for savedAt stamps and
// upcoming/past partitioning.
func WithClock(now func() time.Time) StorageOption {
	return func(s *Storage) { s.now = now }
}

// NewStorage returns a store backed by the SQLite file at path. Pass
// ":memory:" for a process-local database.
func NewStorage(path string, opts ...StorageOption) *Storage {
	s := &Storage{
		path:   path,
		logger: discardLogger.With("component", "storage"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Bookings = &BookingStore{s: s}
	s.User = &UserStore{s: s}
	return s
}

// Path returns the database location.
func (s *Storage) Path() string { return s.path }

// Open forces the lazy open and migration.
func (s *Storage) Open(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.open(ctx)
	if err != nil {
		s.logger.Error("open database failed", "path", s.path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.db = db
	return db, nil
}

func (s *Storage) open(ctx context.Context) (*sql.DB, error) {
	dsn := s.path
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return nil, err
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	from, err := migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if from < SchemaVersion {
		s.logger.Info("database migrated", "path", s.path, "from", from, "to", SchemaVersion)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, err
	}
	if version >= SchemaVersion {
		return version, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return version, err
	}
	defer tx.Rollback()

	for i := version; i < SchemaVersion; i++ {
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return version, fmt.Errorf("version %d: %w", i+1, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return version, err
	}
	return version, tx.Commit()
}

// Version reports the schema version of the opened database.
func (s *Storage) Version(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var v int
	err = db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// Size returns the number of bytes used by the database.
func (s *Storage) Size(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var pages, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, err
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pages * pageSize, nil
}

// withTx runs fn inside a single transaction.
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ============================================================================
// Generic collection operations
// ============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put upserts record into collection by the collection's key path and returns
// the key. Pending sync records without an id get the next sequence value.
func (s *Storage) Put(ctx context.Context, collection string, record interface{}) (string, error) {
	doc, err := toDocument(record)
	if err != nil {
		return "", err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	key, err := putDocument(ctx, db, collection, doc)
	if err != nil {
		return "", err
	}
	s.logger.Debug("put", "collection", collection, "key", key)
	return key, nil
}

// Get returns the stored record, or nil when the key does not exist.
func (s *Storage) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := getDocument(ctx, db, collection, key)
	if err != nil || doc == nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// GetAll returns every record of collection in key order.
func (s *Storage) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	t, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return queryDocuments(ctx, db, collection,
		fmt.Sprintf("SELECT %s, doc FROM %s ORDER BY %s", t.key, t.table, t.order))
}

// Remove deletes one record. Removing a missing key is not an error.
func (s *Storage) Remove(ctx context.Context, collection, key string) error {
	t, err := lookupCollection(collection)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.table, t.key), keyArg(collection, key))
	return err
}

// Clear deletes every record of collection.
func (s *Storage) Clear(ctx context.Context, collection string) error {
	t, err := lookupCollection(collection)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+t.table); err != nil {
		return err
	}
	s.logger.Debug("cleared", "collection", collection)
	return nil
}

func putDocument(ctx context.Context, q queryer, collection string, doc map[string]any) (string, error) {
	switch collection {
	case CollectionBookings:
		ref := stringField(doc, "bookingReference")
		if ref == "" {
			return "", fmt.Errorf("booking: %w (bookingReference)", ErrMissingKey)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		// Every stored booking must read back through Get and All.
		if _, err := decodeJSON[Booking](raw); err != nil {
			return "", fmt.Errorf("booking %s: %w: %v", ref, ErrInvalidRecord, err)
		}
		_, err = q.ExecContext(ctx, `INSERT INTO bookings (booking_reference, status, user_id, created_at, saved_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(booking_reference) DO UPDATE SET
				status = excluded.status, user_id = excluded.user_id,
				created_at = excluded.created_at, saved_at = excluded.saved_at, doc = excluded.doc`,
			ref, stringField(doc, "status"), stringField(doc, "userId"),
			stringField(doc, "createdAt"), stringField(doc, "savedAt"), string(raw))
		return ref, err

	case CollectionUser:
		id := stringField(doc, "id")
		if id == "" {
			return "", fmt.Errorf("user: %w (id)", ErrMissingKey)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		_, err = q.ExecContext(ctx, `INSERT INTO user_profile (id, doc) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, id, string(raw))
		return id, err

	case CollectionPendingSync:
		id := int64Field(doc, "id")
		delete(doc, "id")
		raw, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		typ, createdAt := stringField(doc, "type"), stringField(doc, "createdAt")
		if id > 0 {
			_, err = q.ExecContext(ctx, `INSERT INTO pending_sync (id, type, created_at, doc) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET type = excluded.type, created_at = excluded.created_at, doc = excluded.doc`,
				id, typ, createdAt, string(raw))
			return strconv.FormatInt(id, 10), err
		}
		res, err := q.ExecContext(ctx, `INSERT INTO pending_sync (type, created_at, doc) VALUES (?, ?, ?)`,
			typ, createdAt, string(raw))
		if err != nil {
			return "", err
		}
		id, err = res.LastInsertId()
		return strconv.FormatInt(id, 10), err
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
}

func getDocument(ctx context.Context, q queryer, collection, key string) (map[string]any, error) {
	t, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	var raw string
	err = q.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE %s = ?", t.table, t.key), keyArg(collection, key)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := decodeDoc([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	if collection == CollectionPendingSync {
		doc["id"] = keyArg(collection, key)
	}
	return doc, nil
}

// queryDocuments runs a "SELECT key, doc" query. Pending sync documents get
// their sequence id re-attached.
func queryDocuments(ctx context.Context, q queryer, collection, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		if collection == CollectionPendingSync {
			doc, err := decodeDoc([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
			}
			doc["id"] = keyArg(collection, key)
			b, err := json.Marshal(doc)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			continue
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

func keyArg(collection, key string) any {
	if collection == CollectionPendingSync {
		id, _ := strconv.ParseInt(key, 10, 64)
		return id
	}
	return key
}

func toDocument(record interface{}) (map[string]any, error) {
	var raw []byte
	switch r := record.(type) {
	case json.RawMessage:
		raw = r
	case []byte:
		raw = r
	case map[string]any:
		doc := make(map[string]any, len(r))
		for k, v := range r {
			doc[k] = v
		}
		return doc, nil
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		raw = b
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// decodeDoc keeps numbers as json.Number so integers survive a rewrite.
func decodeDoc(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	doc := map[string]any{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after document")
	}
	return doc, nil
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func int64Field(doc map[string]any, key string) int64 {
	switch v := doc[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func decodeDocument[T any](doc map[string]any) (*T, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](b)
}

// ============================================================================
// Bookings
// ============================================================================

// BookingStore holds the bookings collection, keyed by booking reference.
type BookingStore struct{ s *Storage }

// Save upserts a booking and stamps savedAt. The reference is required.
func (b *BookingStore) Save(ctx context.Context, booking *Booking) error {
	if booking == nil {
		return fmt.Errorf("booking: %w (bookingReference)", ErrMissingKey)
	}
	booking.SavedAt = b.s.now().UTC()
	_, err := b.s.Put(ctx, CollectionBookings, booking)
	return err
}

// SaveRaw is Save for a server document; fields outside Booking are kept.
// A document that does not decode as a Booking is rejected with
// ErrInvalidRecord.
func (b *BookingStore) SaveRaw(ctx context.Context, raw json.RawMessage) error {
	doc, err := toDocument(raw)
	if err != nil {
		return err
	}
	doc["savedAt"] = b.s.now().UTC().Format(time.RFC3339Nano)
	_, err = b.s.Put(ctx, CollectionBookings, doc)
	return err
}

// Get returns the booking, or nil when it is not stored.
func (b *BookingStore) Get(ctx context.Context, ref string) (*Booking, error) {
	raw, err := b.s.Get(ctx, CollectionBookings, ref)
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeJSON[Booking](raw)
}

// All returns every booking, newest first by createdAt falling back to savedAt.
func (b *BookingStore) All(ctx context.Context) ([]*Booking, error) {
	raws, err := b.s.GetAll(ctx, CollectionBookings)
	if err != nil {
		return nil, err
	}
	return b.decodeSorted(raws)
}

// ByStatus returns the bookings in one status, newest first.
func (b *BookingStore) ByStatus(ctx context.Context, status BookingStatus) ([]*Booking, error) {
	return b.query(ctx, "SELECT booking_reference, doc FROM bookings WHERE status = ?", string(status))
}

// ByUser returns the bookings of one user, newest first.
func (b *BookingStore) ByUser(ctx context.Context, userID string) ([]*Booking, error) {
	return b.query(ctx, "SELECT booking_reference, doc FROM bookings WHERE user_id = ?", userID)
}

func (b *BookingStore) query(ctx context.Context, query string, args ...any) ([]*Booking, error) {
	db, err := b.s.conn(ctx)
	if err != nil {
		return nil, err
	}
	raws, err := queryDocuments(ctx, db, CollectionBookings, query, args...)
	if err != nil {
		return nil, err
	}
	return b.decodeSorted(raws)
}

func (b *BookingStore) decodeSorted(raws []json.RawMessage) ([]*Booking, error) {
	out := make([]*Booking, 0, len(raws))
	for _, raw := range raws {
		booking, err := decodeJSON[Booking](raw)
		if err != nil {
			return nil, fmt.Errorf("decode booking: %w", err)
		}
		out = append(out, booking)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sortTime().After(out[j].sortTime())
	})
	return out, nil
}

// Upcoming returns bookings whose pickup lies in the future and which are not
// completed or cancelled.
func (b *BookingStore) Upcoming(ctx context.Context) ([]*Booking, error) {
	return b.partition(ctx, true)
}

// Past returns every booking Upcoming does not.
func (b *BookingStore) Past(ctx context.Context) ([]*Booking, error) {
	return b.partition(ctx, false)
}

func (b *BookingStore) partition(ctx context.Context, upcoming bool) ([]*Booking, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, err
	}
	now := b.s.now()
	var out []*Booking
	for _, booking := range all {
		if booking.Upcoming(now) == upcoming {
			out = append(out, booking)
		}
	}
	return out, nil
}

// UpdateStatus sets the status and appends it to the status history.
func (b *BookingStore) UpdateStatus(ctx context.Context, ref string, status BookingStatus) (*Booking, error) {
	var updated map[string]any
	err := b.s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocument(ctx, tx, CollectionBookings, ref)
		if err != nil {
			return err
		}
		if doc == nil {
			return fmt.Errorf("booking %s: %w", ref, ErrNotFound)
		}
		now := b.s.now().UTC().Format(time.RFC3339Nano)
		history, _ := doc["statusHistory"].([]any)
		doc["statusHistory"] = append(history, map[string]any{"status": string(status), "timestamp": now})
		doc["status"] = string(status)
		doc["savedAt"] = now
		updated = doc
		_, err = putDocument(ctx, tx, CollectionBookings, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeDocument[Booking](updated)
}

// Merge overlays the top-level fields of a server document onto the stored
// booking with the same reference, creating it when absent. The merged
// document must still decode as a Booking.
func (b *BookingStore) Merge(ctx context.Context, raw json.RawMessage) (*Booking, error) {
	overlay, err := toDocument(raw)
	if err != nil {
		return nil, err
	}
	ref := stringField(overlay, "bookingReference")
	if ref == "" {
		return nil, fmt.Errorf("booking: %w (bookingReference)", ErrMissingKey)
	}

	var merged map[string]any
	err = b.s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocument(ctx, tx, CollectionBookings, ref)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		for k, v := range overlay {
			doc[k] = v
		}
		doc["savedAt"] = b.s.now().UTC().Format(time.RFC3339Nano)
		merged = doc
		_, err = putDocument(ctx, tx, CollectionBookings, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeDocument[Booking](merged)
}

func (b *BookingStore) Remove(ctx context.Context, ref string) error {
	return b.s.Remove(ctx, CollectionBookings, ref)
}

func (b *BookingStore) Clear(ctx context.Context) error {
	return b.s.Clear(ctx, CollectionBookings)
}

// ============================================================================
// User profile
// ============================================================================

// UserStore holds the single cached user profile.
type UserStore struct{ s *Storage }

// Save overwrites the profile wholesale.
func (u *UserStore) Save(ctx context.Context, p *UserProfile) error {
	if p == nil {
		return errors.New("shuttleplus: nil user profile")
	}
	p.ID = CurrentUserID
	_, err := u.s.Put(ctx, CollectionUser, p)
	return err
}

// Get returns the profile, or nil when none is stored.
func (u *UserStore) Get(ctx context.Context) (*UserProfile, error) {
	raw, err := u.s.Get(ctx, CollectionUser, CurrentUserID)
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeJSON[UserProfile](raw)
}

func (u *UserStore) Clear(ctx context.Context) error {
	return u.s.Remove(ctx, CollectionUser, CurrentUserID)
}

// UpdateNotificationPrefs shallow-merges prefs into the stored preferences,
// creating the profile when none exists.
func (u *UserStore) UpdateNotificationPrefs(ctx context.Context, prefs map[string]bool) (*UserProfile, error) {
	p, err := u.Get(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &UserProfile{ID: CurrentUserID}
	}
	if p.NotificationPreferences == nil {
		p.NotificationPreferences = make(map[string]bool, len(prefs))
	}
	for k, v := range prefs {
		p.NotificationPreferences[k] = v
	}
	return p, u.Save(ctx, p)
}

// ============================================================================
// Export / Import
// ============================================================================

// ExportData is the portable snapshot of the bookings and the user profile.
type ExportData struct {
	Bookings   []json.RawMessage `json:"bookings"`
	User       json.RawMessage   `json:"user"`
	ExportedAt time.Time         `json:"exportedAt"`
}

// Export snapshots the bookings (newest first) and the user profile.
func (s *Storage) Export(ctx context.Context) (*ExportData, error) {
	bookings, err := s.Bookings.All(ctx)
	if err != nil {
		return nil, err
	}
	out := &ExportData{Bookings: make([]json.RawMessage, 0, len(bookings)), ExportedAt: s.now().UTC()}
	for _, b := range bookings {
		raw, err := s.Get(ctx, CollectionBookings, b.BookingReference)
		if err != nil {
			return nil, err
		}
		out.Bookings = append(out.Bookings, raw)
	}
	if out.User, err = s.Get(ctx, CollectionUser, CurrentUserID); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteExport encodes an export snapshot as indented JSON.
func (s *Storage) WriteExport(ctx context.Context, w io.Writer) error {
	data, err := s.Export(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// Import upserts every booking and the profile of a snapshot in one
// transaction.
func (s *Storage) Import(ctx context.Context, data *ExportData) error {
	if data == nil {
		return nil
	}
	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, raw := range data.Bookings {
			doc, err := toDocument(raw)
			if err != nil {
				return err
			}
			doc["savedAt"] = savedAt
			if _, err := putDocument(ctx, tx, CollectionBookings, doc); err != nil {
				return err
			}
		}
		if len(data.User) > 0 && string(data.User) != "null" {
			doc, err := toDocument(data.User)
			if err != nil {
				return err
			}
			doc["id"] = CurrentUserID
			if _, err := putDocument(ctx, tx, CollectionUser, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	s.logger.Info("imported data", "bookings", len(data.Bookings))
	return nil
}

// ReadImport decodes a snapshot written by WriteExport and imports it.
func (s *Storage) ReadImport(ctx context.Context, r io.Reader) error {
	var data ExportData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("decode import: %w", err)
	}
	return s.Import(ctx, &data)
}

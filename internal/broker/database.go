package broker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// InitDatabase opens the database and creates the tables.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		occupant_id TEXT,
		session_start DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_stations_device ON stations(device_id);

	CREATE TABLE IF NOT EXISTS session_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		command_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (station_id) REFERENCES stations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_logs_station ON session_logs(station_id);
	CREATE INDEX IF NOT EXISTS idx_session_logs_started ON session_logs(started_at);
	`

	_, err := db.Exec(schema)
	return err
}

// DBStore is the sqlite-backed Store implementation.
type DBStore struct {
	db *sql.DB
}

// NewDBStore wraps an open database as a Store.
func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{db: db}
}

const stationColumns = `id, name, device_id, status, occupant_id, session_start`

func scanStation(row interface{ Scan(...any) error }) (*Station, error) {
	var (
		st       Station
		occupant sql.NullString
		start    sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.Name, &st.DeviceID, &st.Status, &occupant, &start); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStationNotFound
		}
		return nil, err
	}
	if occupant.Valid {
		st.OccupantID = &occupant.String
	}
	if start.Valid {
		t := start.Time
		st.SessionStart = &t
	}
	return &st, nil
}

// GetStation returns one station by id.
func (s *DBStore) GetStation(ctx context.Context, id int64) (*Station, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM stations WHERE id = ?`, id)
	return scanStation(row)
}

// ListStations returns all stations ordered by name.
func (s *DBStore) ListStations(ctx context.Context) ([]Station, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stationColumns+` FROM stations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stations []Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, *st)
	}
	return stations, rows.Err()
}

// CreateStation inserts a new available station.
func (s *DBStore) CreateStation(ctx context.Context, name, deviceID string) (*Station, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stations (name, device_id, status) VALUES (?, ?, ?)`,
		name, deviceID, StationAvailable)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetStation(ctx, id)
}

// UpdateStation renames a station or rebinds its device.
func (s *DBStore) UpdateStation(ctx context.Context, id int64, name, deviceID string) (*Station, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stations SET name = ?, device_id = ? WHERE id = ?`, name, deviceID, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStationNotFound
	}
	return s.GetStation(ctx, id)
}

// DeleteStation removes a station.
func (s *DBStore) DeleteStation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStationNotFound
	}
	return nil
}

// UpdateStationOccupancy sets or clears the occupant.
func (s *DBStore) UpdateStationOccupancy(ctx context.Context, id int64, occupantID *string) (*Station, error) {
	var (
		res sql.Result
		err error
	)
	if occupantID == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE stations SET status = ?, occupant_id = NULL, session_start = NULL WHERE id = ?`,
			StationAvailable, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE stations SET status = ?, occupant_id = ?, session_start = ? WHERE id = ?`,
			StationOccupied, *occupantID, time.Now().UTC(), id)
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStationNotFound
	}
	return s.GetStation(ctx, id)
}

// CreateSessionLog opens a session log record and returns its id.
func (s *DBStore) CreateSessionLog(ctx context.Context, stationID int64, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_logs (station_id, user_id, started_at) VALUES (?, ?, ?)`,
		stationID, userID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseSessionLog stamps the end time on a session log record.
func (s *DBStore) CloseSessionLog(ctx context.Context, id int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_logs SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		end.UTC(), id)
	return err
}

// OpenSessionLog returns the newest open session log for a station.
func (s *DBStore) OpenSessionLog(ctx context.Context, stationID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM session_logs
		WHERE station_id = ? AND ended_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, stationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// IncrementCommandCount bumps the command counter on an open session log.
func (s *DBStore) IncrementCommandCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_logs SET command_count = command_count + 1 WHERE id = ?`, id)
	return err
}

// AverageSessionDuration averages the length of all closed sessions.
func (s *DBStore) AverageSessionDuration(ctx context.Context) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG((julianday(ended_at) - julianday(started_at)) * 86400.0)
		FROM session_logs WHERE ended_at IS NOT NULL
	`).Scan(&seconds)
	if err != nil {
		return 0, err
	}
	if !seconds.Valid {
		return 0, nil
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}

package broker

import (
	"context"
	"errors"
	"time"
)

// Station statuses.
const (
	StationAvailable = "available"
	StationOccupied  = "occupied"
)

// ErrStationNotFound is returned for lookups of unknown station ids.
var ErrStationNotFound = errors.New("station not found")

// Station is the broker's working copy of a station record. Occupancy
// mutations go through the store so the persisted copy stays authoritative.
type Station struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	DeviceID     string     `json:"deviceId"`
	Status       string     `json:"status"`
	OccupantID   *string    `json:"occupantId,omitempty"`
	SessionStart *time.Time `json:"sessionStart,omitempty"`
}

// Occupied reports whether the station currently has an occupant.
func (s *Station) Occupied() bool {
	return s.Status == StationOccupied && s.OccupantID != nil
}

// Store is the persistence collaborator the broker calls. The relay core
// exercises occupancy and session-log operations; the station CRUD methods
// back the administrative HTTP API.
type Store interface {
	GetStation(ctx context.Context, id int64) (*Station, error)
	ListStations(ctx context.Context) ([]Station, error)
	CreateStation(ctx context.Context, name, deviceID string) (*Station, error)
	UpdateStation(ctx context.Context, id int64, name, deviceID string) (*Station, error)
	DeleteStation(ctx context.Context, id int64) error

	// UpdateStationOccupancy sets or clears the occupant. A nil occupantID
	// returns the station to available and clears the session start.
	UpdateStationOccupancy(ctx context.Context, id int64, occupantID *string) (*Station, error)

	CreateSessionLog(ctx context.Context, stationID int64, userID string) (int64, error)
	CloseSessionLog(ctx context.Context, id int64, end time.Time) error
	IncrementCommandCount(ctx context.Context, id int64) error

	// OpenSessionLog returns the id of the station's open session log, or 0
	// when none is open. Used to reattach the log after a restart.
	OpenSessionLog(ctx context.Context, stationID int64) (int64, error)

	// AverageSessionDuration is derived from closed session logs. Returns 0
	// when there is no history yet.
	AverageSessionDuration(ctx context.Context) (time.Duration, error)
}

package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"status":  status,
		"code":    code,
		"message": message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.hub.DeviceIDs()),
	})
}

// handleListStations returns the working copies of all stations with their
// live queue lengths and device connectivity.
func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ListStations(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stations")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list stations")
		return
	}

	out := make([]map[string]any, 0, len(stations))
	for _, st := range stations {
		_, online := s.hub.LookupDevice(st.DeviceID)
		entry := map[string]any{
			"id":           st.ID,
			"name":         st.Name,
			"deviceId":     st.DeviceID,
			"status":       st.Status,
			"deviceOnline": online,
			"queueLength":  s.sessions.QueueLength(st.ID),
		}
		if st.OccupantID != nil {
			entry["occupantId"] = *st.OccupantID
		}
		if st.SessionStart != nil {
			entry["sessionStart"] = st.SessionStart
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": out})
}

type stationRequest struct {
	Name     string `json:"name"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	var req stationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "name and deviceId are required")
		return
	}
	station, err := s.store.CreateStation(r.Context(), req.Name, req.DeviceID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create station")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create station")
		return
	}
	s.log.Info().
		Int64("station", station.ID).
		Str("device", station.DeviceID).
		Str("by", identityFromContext(r.Context())).
		Msg("station created")
	writeJSON(w, http.StatusCreated, station)
}

func (s *Server) handleUpdateStation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid station id")
		return
	}
	var req stationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "name and deviceId are required")
		return
	}
	station, err := s.store.UpdateStation(r.Context(), id, req.Name, req.DeviceID)
	if err != nil {
		if errors.Is(err, ErrStationNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "station not found")
			return
		}
		s.log.Error().Err(err).Int64("station", id).Msg("failed to update station")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update station")
		return
	}
	writeJSON(w, http.StatusOK, station)
}

func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "stationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid station id")
		return
	}
	if err := s.store.DeleteStation(r.Context(), id); err != nil {
		if errors.Is(err, ErrStationNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "station not found")
			return
		}
		s.log.Error().Err(err).Int64("station", id).Msg("failed to delete station")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete station")
		return
	}
	s.log.Info().
		Int64("station", id).
		Str("by", identityFromContext(r.Context())).
		Msg("station deleted")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIServer exposes the HTTP control surface: session lifecycle, carrier
// state, rarity and redistribution introspection, and the event stream
type APIServer struct {
	manager    *ChunkManager
	monitor    *CarrierHealthMonitor
	control    *CarrierControl
	rarity     *RarityManager
	redist     *RedistributionHandler
	modem      *Demodulator
	history    *LinkHistoryTracker
	events     *EventStreamServer
	enableCORS bool
}

// NewAPIServer creates the API server
func NewAPIServer(
	manager *ChunkManager,
	monitor *CarrierHealthMonitor,
	control *CarrierControl,
	rarity *RarityManager,
	redist *RedistributionHandler,
	demod *Demodulator,
	history *LinkHistoryTracker,
	events *EventStreamServer,
	enableCORS bool,
) *APIServer {
	return &APIServer{
		manager:    manager,
		monitor:    monitor,
		control:    control,
		rarity:     rarity,
		redist:     redist,
		modem:      demod,
		history:    history,
		events:     events,
		enableCORS: enableCORS,
	}
}

// RegisterRoutes attaches all handlers to the mux
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/carriers", s.handleCarriers)
	mux.HandleFunc("/api/carriers/", s.handleCarrier)
	mux.HandleFunc("/api/rarity", s.handleRarity)
	mux.HandleFunc("/api/redistribution", s.handleRedistribution)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws/events", s.events.HandleWebSocket)
}

// writeJSON writes a JSON response with optional CORS headers
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if s.enableCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// writeError writes a JSON error response
func (s *APIServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// chunkRequest is the wire form of a chunk in a session creation request.
// Either data (base64) or size must be provided.
type chunkRequest struct {
	ID         string `json:"id"`
	PieceIndex int    `json:"piece_index"`
	Data       string `json:"data,omitempty"` // base64
	Size       int    `json:"size,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// createSessionRequest is the session creation request body
type createSessionRequest struct {
	Chunks []chunkRequest `json:"chunks"`
	Config SessionConfig  `json:"config"`
}

// handleSessions serves POST (create) and GET (list) on /api/sessions
func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		chunks := make([]Chunk, 0, len(req.Chunks))
		for i, cr := range req.Chunks {
			chunk := Chunk{
				ID:          cr.ID,
				PieceIndex:  cr.PieceIndex,
				TotalPieces: len(req.Chunks),
				Hash:        cr.Hash,
			}
			if cr.Data != "" {
				data, err := base64.StdEncoding.DecodeString(cr.Data)
				if err != nil {
					s.writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d: invalid base64 data", i))
					return
				}
				chunk.Data = data
			} else if cr.Size > 0 {
				chunk.Data = make([]byte, cr.Size)
			}
			chunks = append(chunks, chunk)
		}

		id, err := s.manager.CreateSession(chunks, req.Config)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})

	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string][]string{"sessions": s.manager.SessionIDs()})

	case http.MethodOptions:
		s.handleOptions(w)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSession serves GET (progress) and DELETE (cancel) on
// /api/sessions/{id}
func (s *APIServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		progress, err := s.manager.Progress(id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, progress)

	case http.MethodDelete:
		if err := s.manager.Cancel(id); err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	case http.MethodOptions:
		s.handleOptions(w)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCarriers serves GET /api/carriers
func (s *APIServer) handleCarriers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"carriers": s.monitor.Snapshot(),
	})
}

// handleCarrier serves POST /api/carriers/{id}/interference for operator
// interference reports
func (s *APIServer) handleCarrier(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/carriers/")
	parts := strings.Split(rest, "/")

	id, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid carrier id")
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		snap, ok := s.monitor.Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown carrier %d", id))
			return
		}
		s.writeJSON(w, http.StatusOK, snap)
		return
	}

	if len(parts) == 2 && parts[1] == "interference" && r.Method == http.MethodPost {
		var req struct {
			InterferenceLevel float64 `json:"interference_level"`
			NoiseFloor        float64 `json:"noise_floor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		s.control.ReportInterference(id, req.InterferenceLevel, req.NoiseFloor)
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "reported"})
		return
	}

	s.writeError(w, http.StatusNotFound, "not found")
}

// handleRarity serves GET /api/rarity
func (s *APIServer) handleRarity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"distribution": s.rarity.Distribution(),
		"peers":        s.rarity.PeerCount(),
		"rarest":       s.rarity.PrioritizedChunks(limit),
	})
}

// handleRedistribution serves GET /api/redistribution
func (s *APIServer) handleRedistribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.redist.Stats(),
		"events": s.redist.Events(),
	})
}

// handleStatus serves GET /api/status
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := map[string]interface{}{
		"uptime_sec":    int(time.Since(StartTime).Seconds()),
		"sessions":      len(s.manager.SessionIDs()),
		"event_clients": s.events.ClientCount(),
	}
	if s.modem != nil {
		status["sync"] = s.modem.SyncState()
		status["cp_length"] = s.modem.CPLength()
		status["symbols"] = s.modem.SymbolCount()
		status["sir_db"] = s.modem.LastSIR()
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleHistory serves GET /api/history
func (s *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"minutes": s.history.GetHistory(),
		"hours":   s.history.GetHourlyHistory(),
	})
}

// handleOptions answers CORS preflight requests
func (s *APIServer) handleOptions(w http.ResponseWriter) {
	if s.enableCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	w.WriteHeader(http.StatusNoContent)
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ranker.GetOpportunities())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.GetPositions())
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var opp domain.Opportunity
	if err := json.NewDecoder(r.Body).Decode(&opp); err != nil {
		http.Error(w, "invalid opportunity payload", http.StatusBadRequest)
		return
	}

	id, err := s.manager.OpenFromOpportunity(r.Context(), &opp)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidationRejected),
			errors.Is(err, domain.ErrDuplicatePosition),
			errors.Is(err, domain.ErrExposureLimit):
			s.writeJSON(w, http.StatusConflict, map[string]string{"rejected": err.Error()})
		default:
			s.logger.Error("Failed to open position", zap.Error(err))
			http.Error(w, "failed to open position", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"position_id": id})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	trade, err := s.manager.ClosePosition(r.Context(), id, "manual")
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPositionNotFound):
			http.Error(w, "position not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrAlreadyClosed):
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "already_closed"})
		default:
			s.logger.Error("Failed to close position", zap.String("id", id), zap.Error(err))
			http.Error(w, "failed to close position", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	trades, err := s.tradeRepo.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           s.mode,
		"uptime_sec":     int(time.Since(s.startedAt).Seconds()),
		"open_positions": len(s.manager.GetPositions()),
		"trades":         len(s.manager.GetCompletedTrades()),
	})
}

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/courier/internal/store"
)

type progressView struct {
	RequestID  string    `json:"request_id"`
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Progress   float64   `json:"progress"`
	TotalAds   int       `json:"total_ads"`
	CurrentAds int       `json:"current_ads"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetProgress returns the latest stored progress of {requestID}, for
// clients that were not connected when updates were pushed.
func GetProgress(progress ProgressReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := progress.GetProgress(chi.URLParam(r, "requestID"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no progress recorded for this request")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read progress")
			return
		}
		writeData(w, http.StatusOK, progressView{
			RequestID:  p.RequestID,
			TaskID:     p.TaskID,
			UserID:     p.UserID,
			Progress:   p.Progress,
			TotalAds:   p.TotalAds,
			CurrentAds: p.CurrentAds,
			Status:     p.Status,
			Message:    p.Message,
			UpdatedAt:  p.UpdatedAt,
		})
	}
}

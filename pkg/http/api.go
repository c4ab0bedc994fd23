package http

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/phoneme"
)

// maxProfileBytes bounds a profile document upload
const maxProfileBytes = 8 << 20

// resultHandler returns the latest published result
func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Result())
}

// statsHandler returns the engine counters
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// calibrateHandler queues a calibration for the entry named by ?index=N or
// ?phoneme=NAME
func (s *Server) calibrateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	index, err := s.calibrationIndex(r)
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}

	if err := s.engine.RequestCalibration(index); err != nil {
		s.ErrorResponse(w, err)
		return
	}

	s.logger.WithField("index", index).Info("Calibration queued")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": index,
	})
}

func (s *Server) calibrationIndex(r *http.Request) (int, error) {
	query := r.URL.Query()

	if name := query.Get("phoneme"); name != "" {
		profile := s.engine.Profile()
		if profile == nil {
			return -1, errors.ErrProfileMissing
		}
		index := profile.IndexOf(name)
		if index < 0 {
			return -1, errors.Wrap(errors.ErrNotFound, "unknown phoneme", map[string]interface{}{"phoneme": name})
		}
		return index, nil
	}

	raw := query.Get("index")
	if raw == "" {
		return -1, errors.NewInvalidInput("index or phoneme parameter is required")
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return -1, errors.NewInvalidInput("index must be an integer", map[string]interface{}{"index": raw})
	}
	return index, nil
}

// profileHandler exports the profile document on GET and installs an
// uploaded one on PUT
func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profile := s.engine.Profile()
		if profile == nil {
			s.ErrorResponse(w, errors.ErrProfileMissing)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := phoneme.SaveDocument(w, profile); err != nil {
			s.logger.WithError(err).Error("Failed to write profile document")
		}

	case http.MethodPut:
		profile, err := phoneme.LoadDocument(http.MaxBytesReader(w, r.Body, maxProfileBytes))
		if err != nil {
			s.ErrorResponse(w, err)
			return
		}

		if err := s.engine.Config().CompatibleProfile(profile); err != nil {
			s.ErrorResponse(w, err)
			return
		}

		s.engine.SetProfile(profile)
		if s.profileListener != nil {
			s.profileListener(profile)
		}

		s.logger.WithFields(logrus.Fields{
			"profile": profile.Options().Name,
			"entries": profile.Len(),
		}).Info("Profile installed via API")

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":    profile.Options().Name,
			"entries": profile.Names(),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

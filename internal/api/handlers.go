package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/goodtune/lexgate/internal/contentgate"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/gorilla/mux"
)

// maxBodyBytes caps request bodies, including content lists to gate.
const maxBodyBytes = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.svc.Anchors != nil {
		body["anchors"] = s.svc.Anchors.Len()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStaleTime(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "at least one key parameter is required")
		return
	}

	ttl, matched := s.svc.StaleTimes.Match(keys[0])
	writeJSON(w, http.StatusOK, StaleTimeResponse{
		Key:            keys,
		StaleTime:      ttl.String(),
		StaleTimeMS:    ttl.Milliseconds(),
		MatchedEntry:   matched,
		DefaultApplied: matched == "",
	})
}

// status resolves the subscription of the caller. A failing provider leaves
// the status loading so gates fail open.
func (s *Server) status(r *http.Request, profile string) subscription.Status {
	status, err := s.svc.Subscriptions.Status(r.Context(), profile)
	if err != nil {
		s.logger.Warn().Err(err).Str("profile", profile).Msg("Subscription status unavailable")
		return subscription.Status{Loading: true}
	}
	return status
}

func (s *Server) handleUsageState(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	feature := mux.Vars(r)["feature"]

	counter := s.svc.Limiter.Load(r.Context(), profile, feature, s.status(r, profile))
	writeJSON(w, http.StatusOK, counter.State())
}

func (s *Server) handleUsageIncrement(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	feature := mux.Vars(r)["feature"]

	counter := s.svc.Limiter.Load(r.Context(), profile, feature, s.status(r, profile))
	writeJSON(w, http.StatusOK, counter.IncrementUse(r.Context()))
}

func (s *Server) handleUsageConsume(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	feature := mux.Vars(r)["feature"]

	state, err := s.svc.Limiter.Consume(r.Context(), profile, feature, s.status(r, profile))
	if errors.Is(err, usage.ErrLimitReached) {
		writeJSON(w, http.StatusTooManyRequests, LimitResponse{
			ErrorResponse: newError(http.StatusTooManyRequests, "daily limit reached for "+feature),
			State:         state,
		})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("feature", feature).Msg("Failed to consume usage")
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	feature := mux.Vars(r)["feature"]

	if err := s.svc.Limiter.Reset(r.Context(), profile, feature); err != nil {
		s.logger.Error().Err(err).Str("feature", feature).Msg("Failed to reset usage")
		writeError(w, http.StatusInternalServerError, "failed to reset usage")
		return
	}

	counter := s.svc.Limiter.Load(r.Context(), profile, feature, s.status(r, profile))
	writeJSON(w, http.StatusOK, counter.State())
}

func (s *Server) handleContentGate(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	category := mux.Vars(r)["category"]

	var req GateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res := contentgate.Apply(s.svc.Gate, req.Items, category, s.status(r, profile))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContentLocked(w http.ResponseWriter, r *http.Request) {
	profile := ProfileFromContext(r.Context())
	category := mux.Vars(r)["category"]

	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	total, err := strconv.Atoi(r.URL.Query().Get("total"))
	if err != nil || total < 0 {
		writeError(w, http.StatusBadRequest, "total must be a non-negative integer")
		return
	}

	status := s.status(r, profile)
	writeJSON(w, http.StatusOK, LockedResponse{
		Category:     category,
		Index:        index,
		Total:        total,
		Locked:       s.svc.Gate.IsItemLocked(index, total, category, status),
		VisibleCount: s.svc.Gate.Cutoff(total, category, status),
	})
}

// anchorKey scopes anchor ids to the calling profile.
func anchorKey(r *http.Request) string {
	return ProfileFromContext(r.Context()) + "/" + mux.Vars(r)["id"]
}

func (s *Server) handleAnchorMount(w http.ResponseWriter, r *http.Request) {
	var opts MountOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	state, err := s.svc.Anchors.Mount(anchorKey(r), opts)
	switch {
	case errors.Is(err, ErrTooManyAnchors):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, state)
	}
}

func (s *Server) handleAnchorIntersection(w http.ResponseWriter, r *http.Request) {
	var in Intersection
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	state, err := s.svc.Anchors.Report(anchorKey(r), in)
	s.writeAnchor(w, state, err)
}

func (s *Server) handleAnchorState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.Anchors.State(anchorKey(r))
	s.writeAnchor(w, state, err)
}

func (s *Server) handleAnchorUnmount(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.Anchors.Unmount(anchorKey(r))
	s.writeAnchor(w, state, err)
}

func (s *Server) writeAnchor(w http.ResponseWriter, state AnchorState, err error) {
	switch {
	case errors.Is(err, ErrAnchorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, state)
	}
}

package api

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/timelock-gifts/internal/errors"
)

type claimRequest struct {
	GiftCode  string `json:"giftCode"`
	UserEmail string `json:"userEmail"`
}

func parseClaimRequest(r *http.Request) (*claimRequest, error) {
	var req claimRequest
	if err := parseJSONBody(r, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.GiftCode) == "" {
		return nil, apperrors.NewValidationError("giftCode", "is required")
	}
	return &req, nil
}

// handleVerify handles POST /gift/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GiftCode string `json:"giftCode"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if strings.TrimSpace(req.GiftCode) == "" {
		respondError(w, s.logger, apperrors.NewValidationError("giftCode", "is required"))
		return
	}

	summary, err := s.claims.Verify(r.Context(), req.GiftCode)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// handlePreclaim handles POST /gift/preclaim
func (s *Server) handlePreclaim(w http.ResponseWriter, r *http.Request) {
	req, err := parseClaimRequest(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	disclosure, err := s.claims.Preclaim(r.Context(), req.GiftCode, req.UserEmail)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, disclosure)
}

// handleClaim handles POST /gift/claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	req, err := parseClaimRequest(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	disclosure, err := s.claims.Claim(r.Context(), req.GiftCode, req.UserEmail)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, disclosure)
}

// handleClaimedHistory handles GET /gift/claimed?userEmail=&page=&limit=
func (s *Server) handleClaimedHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := parseOptionalInt(query.Get("page"), "page")
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	limit, err := parseOptionalInt(query.Get("limit"), "limit")
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	result, err := s.claims.ClaimedHistory(r.Context(), query.Get("userEmail"), page, limit)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// parseOptionalInt returns 0 for an absent value so the service applies its default
func parseOptionalInt(value, field string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, apperrors.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

package trending

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// maxUploadSize caps the multipart body of a receipt upload
const maxUploadSize = int64(20 << 20)

// respondJSON writes a success envelope with the given payload fields
func respondJSON(w http.ResponseWriter, code int, payload map[string]any) {
	body := map[string]any{"status": "success"}
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// respondError writes an error envelope
func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": message,
	}); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// parseID reads a positive integer id; ok is false when it is absent
func parseID(raw string) (id int64, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, true, errors.New("must be a positive integer")
	}
	return id, true, nil
}

// pathID reads the {name} path value as an id, answering 400 when it is bad
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, ok, err := parseID(r.PathValue(name))
	if !ok || err != nil {
		respondError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nil)
}

// handleSubmitReceipt accepts a multipart receipt upload
func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Receipt image is too large. Maximum size is 20MB.")
			return
		}
		respondError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	userID, hasUser, userErr := parseID(r.FormValue("userId"))
	businessID, hasBusiness, businessErr := parseID(r.FormValue("businessId"))
	rawAmount := strings.TrimSpace(r.FormValue("amount"))
	if !hasUser || !hasBusiness || rawAmount == "" {
		respondError(w, http.StatusBadRequest, "userId, businessId, and amount are required")
		return
	}
	if userErr != nil {
		respondError(w, http.StatusBadRequest, "userId "+userErr.Error())
		return
	}
	if businessErr != nil {
		respondError(w, http.StatusBadRequest, "businessId "+businessErr.Error())
		return
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "amount must be a number")
		return
	}
	if !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	f, header, err := r.FormFile("receiptImage")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Receipt image is required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		respondError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	receipt, err := s.service.SubmitUpload(r.Context(), userID, businessID, amount, header.Filename, data)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "Amount must be positive")
		return
	case errors.Is(err, ErrMissingField):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Error submitting receipt", "user_id", userID, "business_id", businessID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"receipt": receipt})
}

// handleUserReceipts lists the receipts of the user given by ?user_id=
func (s *Server) handleUserReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok, err := parseID(r.URL.Query().Get("user_id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "user_id "+err.Error())
		return
	}

	receipts, err := s.service.UserReceipts(r.Context(), userID)
	if err != nil {
		slog.Error("Error listing user receipts", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

// handleTrending returns the ranked listing, ?limit= defaulting to 50
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTrendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	aggregates, err := s.service.Trending(r.Context(), limit)
	if err != nil {
		slog.Error("Error listing trending businesses", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trending": aggregates})
}

// handleStats returns one business's aggregate or its zero placeholder
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	businessID, ok := pathID(w, r, "businessId")
	if !ok {
		return
	}

	stats, err := s.service.Stats(r.Context(), businessID)
	if err != nil {
		slog.Error("Error getting trending stats", "business_id", businessID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// handleRecompute rebuilds every aggregate from the stored receipts
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	aggregates, err := s.service.RecomputeAll(r.Context())
	if err != nil {
		slog.Error("Error recomputing aggregates", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"aggregates": aggregates})
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	receipt, err := s.service.Receipt(r.Context(), id)
	if errors.Is(err, ErrReceiptNotFound) {
		respondError(w, http.StatusNotFound, "Receipt not found")
		return
	}
	if err != nil {
		slog.Error("Error getting receipt", "receipt_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

// handleReceiptImage streams the stored image of a receipt
func (s *Server) handleReceiptImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	data, contentType, err := s.service.ReceiptImage(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ErrReceiptNotFound) {
			slog.Error("Error getting receipt image", "receipt_id", id, "error", err)
		}
		respondError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleVerifyReceipt scans a receipt image and records the verification
func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	verification, err := s.service.VerifyReceipt(r.Context(), id)
	switch {
	case errors.Is(err, ErrScannerDisabled):
		respondError(w, http.StatusServiceUnavailable, "Receipt verification is not enabled")
		return
	case errors.Is(err, ErrReceiptNotFound):
		respondError(w, http.StatusNotFound, "Receipt not found")
		return
	case err != nil:
		slog.Error("Error verifying receipt", "receipt_id", id, "error", err)
		respondError(w, http.StatusBadGateway, "Receipt could not be scanned")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"verification": verification})
}

// handleGetVerification returns the latest verification of a receipt
func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	verification, err := s.service.Verification(r.Context(), id)
	if errors.Is(err, ErrVerificationNotFound) {
		respondError(w, http.StatusNotFound, "Verification not found")
		return
	}
	if err != nil {
		slog.Error("Error getting verification", "receipt_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"verification": verification})
}

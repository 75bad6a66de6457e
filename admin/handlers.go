package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/rs/zerolog/log"
)

// AdminHandlers handles admin API endpoints for a running allocator
type AdminHandlers struct {
	alloc   *mimalloc.Allocator
	started time.Time
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(alloc *mimalloc.Allocator) *AdminHandlers {
	return &AdminHandlers{
		alloc:   alloc,
		started: time.Now(),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the segment handle to resume listing after
func parseFrom(r *http.Request) (uint32, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}

	from, err := strconv.ParseUint(fromStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}

	return uint32(from), nil
}

// formatAddress renders an address the way allocator logs do
func formatAddress(p uint64) string {
	return fmt.Sprintf("%#x", p)
}

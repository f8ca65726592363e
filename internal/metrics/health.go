package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

// HealthChecker answers GET /health, reporting Store connectivity and the
// registry's current cache size. Takes the raw *sql.DB (via Store.DB())
// rather than *store.Store so a test can wire a sqlmock pool directly.
type HealthChecker struct {
	db          *sql.DB
	metrics     *Metrics
	cachedCount func() int
}

// NewHealthChecker wires a HealthChecker. cachedCount reports the
// registry's live cache size; pass a closure over *registry.Registry.
func NewHealthChecker(db *sql.DB, m *Metrics, cachedCount func() int) *HealthChecker {
	return &HealthChecker{db: db, metrics: m, cachedCount: cachedCount}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	dbErr := ""
	if err := h.db.PingContext(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		dbErr = err.Error()
	}

	body := map[string]interface{}{
		"status":        status,
		"uptime_secs":   h.metrics.Uptime().Seconds(),
		"bridges_count": h.cachedCount(),
	}
	if dbErr != "" {
		body["database_error"] = dbErr
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

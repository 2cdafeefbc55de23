package handlers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// StationHandler handles station data submission and aggregation endpoints
type StationHandler struct {
	ingestion   *services.IngestionService
	aggregation *services.AggregationService
	summaries   *services.SummaryService
	stations    repository.StationRepository
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
}

// NewStationHandler creates a new station handler
func NewStationHandler(
	ingestion *services.IngestionService,
	aggregation *services.AggregationService,
	summaries *services.SummaryService,
	stations repository.StationRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *StationHandler {
	return &StationHandler{
		ingestion:   ingestion,
		aggregation: aggregation,
		summaries:   summaries,
		stations:    stations,
		logger:      logger,
		metrics:     metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// SubmitRequest is the body of POST /api/station/data.
type SubmitRequest struct {
	Station models.StationSubmission `json:"station"`
	Sensors models.SensorPayload     `json:"sensors"`
}

// SubmitResponse acknowledges a stored submission.
type SubmitResponse struct {
	Device string `json:"device"`
	Status string `json:"status"`
}

// SubmitData handles POST /api/station/data
func (h *StationHandler) SubmitData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid JSON body", http.StatusBadRequest)
		return
	}

	calibration := r.URL.Query().Get("calibration") == "true"

	station, err := h.ingestion.Submit(ctx, &req.Station, req.Sensors, time.Now().UTC(), calibration)
	if err != nil {
		h.handleServiceError(w, r, "/api/station/data", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/station/data", "POST", "201")
	h.sendJSON(w, SubmitResponse{Device: station.Device, Status: "stored"}, http.StatusCreated)
}

// GetCurrent handles GET /api/station/current
func (h *StationHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params := services.HistoricalParams{
		Devices: r.URL.Query()["station"],
		Current: true,
	}

	points, err := h.aggregation.HistoricalQuery(ctx, params)
	if err != nil {
		h.handleServiceError(w, r, "/api/station/current", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/station/current", "GET", "200")
	h.writePoints(w, r, points)
}

// GetHistorical handles GET /api/station/historical
func (h *StationHandler) GetHistorical(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	params := services.HistoricalParams{
		Devices: query["station"],
		Cities:  query["city"],
	}

	if raw := query.Get("precision"); raw != "" {
		precision, err := models.ParsePrecision(raw)
		if err != nil {
			h.sendError(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		params.Precision = precision
	}

	if raw := query.Get("start"); raw != "" {
		start, err := parseTimestamp(raw)
		if err != nil {
			h.sendError(w, r, "invalid start, expected RFC3339, YYYY-MM-DDThh:mm or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		params.Start = &start
	}

	if raw := query.Get("end"); raw != "" {
		end, err := parseTimestamp(raw)
		if err != nil {
			h.sendError(w, r, "invalid end, expected RFC3339, YYYY-MM-DDThh:mm or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		params.End = &end
	}

	points, err := h.aggregation.HistoricalQuery(ctx, params)
	if err != nil {
		h.handleServiceError(w, r, "/api/station/historical", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/station/historical", "GET", "200")
	h.writePoints(w, r, points)
}

// GetAllStations handles GET /api/station/all
func (h *StationHandler) GetAllStations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	overviews, err := h.stations.StationOverviews(ctx)
	if err != nil {
		h.handleServiceError(w, r, "/api/station/all", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/station/all", "GET", "200")
	h.sendJSON(w, overviews, http.StatusOK)
}

// GetCityCurrent handles GET /api/city/{slug}/current
func (h *StationHandler) GetCityCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := mux.Vars(r)["slug"]

	averages, err := h.aggregation.CityCurrentAverage(ctx, slug)
	if err != nil {
		h.handleServiceError(w, r, "/api/city/current", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/city/current", "GET", "200")
	h.sendJSON(w, averages, http.StatusOK)
}

// GetTopStations handles GET /api/dimension/top
func (h *StationHandler) GetTopStations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	dimensionRaw, err := strconv.Atoi(query.Get("dimension"))
	if err != nil {
		h.sendError(w, r, "dimension must be an integer id", http.StatusBadRequest)
		return
	}

	n := 10
	if raw := query.Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.sendError(w, r, "n must be an integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	descending := query.Get("order") != "asc"

	entries, err := h.aggregation.TopNByDimension(ctx, n, models.Dimension(dimensionRaw), descending)
	if err != nil {
		h.handleServiceError(w, r, "/api/dimension/top", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/dimension/top", "GET", "200")
	h.sendJSON(w, entries, http.StatusOK)
}

// GetStatistics handles GET /api/statistics
func (h *StationHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.summaries.Statistics(ctx)
	if err != nil {
		h.handleServiceError(w, r, "/api/statistics", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/statistics", "GET", "200")
	h.sendJSON(w, report, http.StatusOK)
}

// GetSummary handles GET /api/summary/{name}
func (h *StationHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	payload, err := h.summaries.Read(ctx, name)
	if err != nil {
		h.handleServiceError(w, r, "/api/summary", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/summary", "GET", "200")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// HealthCheck handles GET /health
func (h *StationHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.stations.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK_ERROR] Database unreachable", logging.Fields{}, err)
		status["status"] = "unhealthy"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.sendJSON(w, status, http.StatusOK)
}

// writePoints renders aggregation output. The flat tuple stream serializes
// as CSV when output_format=csv; otherwise points are grouped by
// (device, time) for structured JSON.
func (h *StationHandler) writePoints(w http.ResponseWriter, r *http.Request, points []services.DataPoint) {
	if r.URL.Query().Get("output_format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)

		writer := csv.NewWriter(w)
		writer.Write([]string{"device", "time_measured", "dimension", "value"})
		for _, p := range points {
			value := ""
			if p.Value != nil {
				value = strconv.FormatFloat(*p.Value, 'f', -1, 64)
			}
			writer.Write([]string{
				p.Device,
				p.Time.UTC().Format(time.RFC3339),
				strconv.Itoa(int(p.Dimension)),
				value,
			})
		}
		writer.Flush()
		return
	}

	h.sendJSON(w, services.GroupByDeviceTime(points), http.StatusOK)
}

// handleServiceError maps domain errors onto HTTP status codes.
func (h *StationHandler) handleServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	ctx := r.Context()

	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.metrics.RecordAPIError("validation_error", endpoint)
		h.sendError(w, r, validationErr.Error(), http.StatusBadRequest)
	case repository.IsUnauthorized(err):
		h.metrics.RecordAPIError("unauthorized", endpoint)
		h.sendError(w, r, "invalid api key for station", http.StatusUnauthorized)
	case repository.IsConflict(err):
		h.metrics.RecordAPIError("conflict", endpoint)
		h.sendError(w, r, "Measurement already in Database", http.StatusUnprocessableEntity)
	case repository.IsNotFound(err):
		h.metrics.RecordAPIError("not_found", endpoint)
		h.sendError(w, r, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error(ctx, "[API_ERROR] Request failed", logging.Fields{
			"endpoint": endpoint,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "internal server error", http.StatusInternalServerError)
	}
}

// sendJSON sends a JSON response
func (h *StationHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *StationHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all station API routes
func (h *StationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/station/data", h.SubmitData).Methods("POST")
	router.HandleFunc("/api/station/current", h.GetCurrent).Methods("GET")
	router.HandleFunc("/api/station/historical", h.GetHistorical).Methods("GET")
	router.HandleFunc("/api/station/all", h.GetAllStations).Methods("GET")
	router.HandleFunc("/api/city/{slug}/current", h.GetCityCurrent).Methods("GET")
	router.HandleFunc("/api/dimension/top", h.GetTopStations).Methods("GET")
	router.HandleFunc("/api/statistics", h.GetStatistics).Methods("GET")
	router.HandleFunc("/api/summary/{name}", h.GetSummary).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

// parseTimestamp accepts RFC3339, a minute-resolution local form, or a bare
// date. The minute form is what existing station firmware sends.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"

	"sftpflow/pkg/config"
	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/queue"
	"sftpflow/pkg/shared"
	"sftpflow/pkg/watermark"
)

type Publisher interface {
	Publish(ctx context.Context, req *shared.PublishRequest) (*shared.PublishResult, error)
	TriggerListing(ctx context.Context, attrs map[string]string) (string, error)
}

type WatermarkReader interface {
	Watermark(ctx context.Context, attrs map[string]string) (*watermark.Watermark, string, error)
}

type OutputReader interface {
	Peek(ctx context.Context, rel flow.Relationship, limit int64) ([]*flow.Record, error)
	Stats(ctx context.Context, rels []flow.Relationship) (*queue.Stats, error)
}

type HTTPHandler struct {
	publisher  Publisher
	watermarks WatermarkReader
	// queues maps a processor name to its queue.
	queues   map[string]OutputReader
	asynqmon *asynqmon.HTTPHandler
	logger   *logger.Logger
}

type PublishResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message,omitempty"`
	Result  *shared.PublishResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type WatermarkResponse struct {
	Key       string               `json:"key"`
	Watermark *watermark.Watermark `json:"watermark"`
}

type OutputsResponse struct {
	Queue        string         `json:"queue"`
	Relationship string         `json:"relationship"`
	Records      []*flow.Record `json:"records"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

var relationships = []flow.Relationship{flow.RelSuccess, flow.RelFailure, flow.RelReject, flow.RelNoFile}

func NewHTTPHandler(cfg *config.Config, publisher Publisher, watermarks WatermarkReader, queues map[string]OutputReader) *HTTPHandler {
	h := &HTTPHandler{
		publisher:  publisher,
		watermarks: watermarks,
		queues:     queues,
		logger:     logger.NewDefault(),
	}

	if cfg != nil && cfg.Asynqmon.Enabled {
		h.asynqmon = asynqmon.New(asynqmon.Options{
			RootPath: cfg.Asynqmon.RootPath,
			RedisConnOpt: asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			ReadOnly:          cfg.Asynqmon.ReadOnlyMode,
			PrometheusAddress: cfg.Asynqmon.PrometheusAddr,
		})
	}
	return h
}

func (h *HTTPHandler) GetAsynqmonHandler() *asynqmon.HTTPHandler {
	return h.asynqmon
}

func (h *HTTPHandler) Close() {
	if h.asynqmon != nil {
		if err := h.asynqmon.Close(); err != nil {
			h.logger.Error("failed to close asynqmon handler", err, nil)
		}
	}
}

// Register mounts every endpoint on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/publish", h.PublishHandler)
	mux.HandleFunc("/listing", h.ListingHandler)
	mux.HandleFunc("/watermark", h.WatermarkHandler)
	mux.HandleFunc("/outputs/", h.OutputsHandler)
	mux.HandleFunc("/stats", h.StatsHandler)

	if h.asynqmon != nil {
		mux.Handle(h.asynqmon.RootPath()+"/", h.asynqmon)
	}
}

func (h *HTTPHandler) PublishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req shared.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if req.FolderPath == "" && req.Key == "" {
		h.sendError(w, http.StatusBadRequest, "folder_path or key is required")
		return
	}

	result, err := h.publisher.Publish(r.Context(), &req)
	if err != nil {
		h.logger.Error("failed to publish records", err, map[string]any{
			"folder_path": req.FolderPath,
			"bucket":      req.Bucket,
			"key":         req.Key,
		})
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("records published via HTTP", map[string]any{
		"folder_path": req.FolderPath,
		"key":         req.Key,
		"records":     len(result.Records),
	})

	h.sendJSON(w, http.StatusOK, PublishResponse{
		Success: true,
		Message: "records published successfully",
		Result:  result,
	})
}

// ListingHandler requests a listing pass. The JSON body, if any, is an
// attribute map used as the pass's trigger record.
func (h *HTTPHandler) ListingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var attrs map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}

	taskID, err := h.publisher.TriggerListing(r.Context(), attrs)
	if err != nil {
		h.logger.Error("failed to request listing pass", err, nil)
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.sendJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// WatermarkHandler returns the stored watermark. Query parameters are used
// as attributes when resolving templated connection parameters.
func (h *HTTPHandler) WatermarkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.watermarks == nil {
		h.sendError(w, http.StatusNotFound, "listing is not enabled")
		return
	}

	attrs := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			attrs[name] = values[0]
		}
	}

	wm, key, err := h.watermarks.Watermark(r.Context(), attrs)
	if err != nil {
		if flow.IsType(err, flow.ErrorTypeConfiguration) || flow.IsType(err, flow.ErrorTypeValidation) {
			h.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to load watermark", err, map[string]any{"key": key})
		h.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wm == nil {
		h.sendError(w, http.StatusNotFound, "no watermark stored for "+key)
		return
	}

	h.sendJSON(w, http.StatusOK, WatermarkResponse{Key: key, Watermark: wm})
}

// OutputsHandler peeks at /outputs/{relationship}?queue=transfer&limit=N.
func (h *HTTPHandler) OutputsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rel := flow.Relationship(strings.Trim(strings.TrimPrefix(r.URL.Path, "/outputs/"), "/"))
	if !validRelationship(rel) {
		h.sendError(w, http.StatusBadRequest, "unknown relationship: "+string(rel))
		return
	}

	name := r.URL.Query().Get("queue")
	if name == "" {
		name = shared.ProcessorTransfer
	}
	q, ok := h.queues[name]
	if !ok {
		h.sendError(w, http.StatusNotFound, "unknown queue: "+name)
		return
	}

	var limit int64 = 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			h.sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	recs, err := q.Peek(r.Context(), rel, limit)
	if err != nil {
		h.logger.Error("failed to read outputs", err, map[string]any{"queue": name, "relationship": string(rel)})
		h.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.sendJSON(w, http.StatusOK, OutputsResponse{Queue: name, Relationship: string(rel), Records: recs})
}

func (h *HTTPHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := make(map[string]*queue.Stats, len(h.queues))
	for name, q := range h.queues {
		stats, err := q.Stats(r.Context(), relationships)
		if err != nil {
			h.logger.Error("failed to read queue stats", err, map[string]any{"queue": name})
			h.sendError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp[name] = stats
	}

	h.sendJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"queues":    resp,
	})
}

func validRelationship(rel flow.Relationship) bool {
	for _, r := range relationships {
		if r == rel {
			return true
		}
	}
	return false
}

func (h *HTTPHandler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", err, nil)
	}
}

func (h *HTTPHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{Error: message})
}

// Package trackingtest is an in-memory tracking server speaking the
// REST subset the tracking SDK uses. It backs hermetic tests; it is
// not a product server.
package trackingtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kilnml/kiln/pkg/storage"
	"github.com/kilnml/kiln/pkg/tracking"
)

type runRecord struct {
	Info    tracking.RunInfo
	Params  []tracking.Param
	Tags    []tracking.RunTag
	Metrics []tracking.Metric
}

type modelRecord struct {
	Model    tracking.RegisteredModel
	Versions []tracking.ModelVersion
}

type artifactFile struct {
	Key  string
	Data []byte
}

// Server implements http.Handler. Wrap it in httptest.NewServer and
// point a tracking.SDK at the resulting URL.
type Server struct {
	router *chi.Mux

	// mu serializes handler bodies; the storages hold pointers that
	// handlers mutate in place.
	mu          sync.Mutex
	experiments storage.Storage
	runs        storage.Storage
	models      storage.Storage
	artifacts   storage.Storage
}

func New() *Server {
	s := &Server{
		router:      chi.NewRouter(),
		experiments: storage.NewInMemoryStorage(),
		runs:        storage.NewInMemoryStorage(),
		models:      storage.NewInMemoryStorage(),
		artifacts:   storage.NewInMemoryStorage(),
	}

	s.router.Route("/api/2.0/mlflow", func(r chi.Router) {
		r.Post("/experiments/create", s.createExperiment)
		r.Get("/experiments/get-by-name", s.getExperimentByName)
		r.Post("/runs/create", s.createRun)
		r.Post("/runs/update", s.updateRun)
		r.Get("/runs/get", s.getRun)
		r.Post("/runs/log-parameter", s.logParam)
		r.Post("/runs/log-metric", s.logMetric)
		r.Post("/runs/log-batch", s.logBatch)
		r.Get("/metrics/get-history", s.metricHistory)
		r.Post("/registered-models/create", s.createRegisteredModel)
		r.Get("/registered-models/get", s.getRegisteredModel)
		r.Post("/model-versions/create", s.createModelVersion)
		r.Get("/model-versions/get", s.getModelVersion)
		r.Get("/model-versions/get-download-uri", s.getModelVersionDownloadURI)
	})
	s.router.Put("/api/2.0/mlflow-artifacts/artifacts/*", s.uploadArtifact)
	s.router.Get("/api/2.0/mlflow-artifacts/artifacts/*", s.downloadArtifact)
	s.router.Get("/api/2.0/mlflow-artifacts/artifacts", s.listArtifacts)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(tracking.APIError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "malformed request body: %s", err)

		return false
	}

	return true
}

func millis() int64 {
	return time.Now().UnixMilli()
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "experiment name must not be empty")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	exp := tracking.Experiment{
		ExperimentID:     id,
		Name:             req.Name,
		ArtifactLocation: "mlflow-artifacts:/" + id,
		LifecycleStage:   "active",
		CreationTime:     millis(),
	}
	if err := s.experiments.Create(r.Context(), "name/"+req.Name, &exp); err != nil {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeResourceAlreadyExists, "experiment %q already exists", req.Name)

		return
	}
	_ = s.experiments.Create(r.Context(), "id/"+id, &exp)

	writeJSON(w, map[string]string{"experiment_id": id})
}

func (s *Server) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("experiment_name")

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.experiments.Get(r.Context(), "name/"+name)
	if err != nil {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "experiment %q not found", name)

		return
	}

	writeJSON(w, map[string]interface{}{"experiment": v})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string            `json:"experiment_id"`
		RunName      string            `json:"run_name"`
		StartTime    int64             `json:"start_time"`
		Tags         []tracking.RunTag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.experiments.Get(r.Context(), "id/"+req.ExperimentID); err != nil {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "experiment %q not found", req.ExperimentID)

		return
	}

	id := uuid.NewString()
	rec := &runRecord{
		Info: tracking.RunInfo{
			RunID:        id,
			ExperimentID: req.ExperimentID,
			RunName:      req.RunName,
			Status:       tracking.RunStatusRunning,
			StartTime:    req.StartTime,
			ArtifactURI:  fmt.Sprintf("mlflow-artifacts:/%s/%s/artifacts", req.ExperimentID, id),
		},
		Tags: req.Tags,
	}
	_ = s.runs.Create(r.Context(), id, rec)

	writeJSON(w, map[string]interface{}{"run": s.runView(rec)})
}

func (s *Server) getRunRecord(w http.ResponseWriter, r *http.Request, runID string) *runRecord {
	v, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "run %q not found", runID)

		return nil
	}

	return v.(*runRecord)
}

// runView mirrors runs/get semantics: params and tags in full, only
// the latest value per metric key. Full histories come from the
// metrics/get-history endpoint.
func (s *Server) runView(rec *runRecord) tracking.Run {
	latest := make(map[string]tracking.Metric)
	order := make([]string, 0)
	for _, m := range rec.Metrics {
		if _, seen := latest[m.Key]; !seen {
			order = append(order, m.Key)
		}
		latest[m.Key] = m
	}

	metrics := make([]tracking.Metric, 0, len(order))
	for _, k := range order {
		metrics = append(metrics, latest[k])
	}

	return tracking.Run{
		Info: rec.Info,
		Data: tracking.RunData{
			Metrics: metrics,
			Params:  rec.Params,
			Tags:    rec.Tags,
		},
	}
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string             `json:"run_id"`
		Status  tracking.RunStatus `json:"status"`
		EndTime int64              `json:"end_time"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, req.RunID)
	if rec == nil {
		return
	}

	if req.Status != "" {
		rec.Info.Status = req.Status
	}
	if req.EndTime != 0 {
		rec.Info.EndTime = req.EndTime
	}

	writeJSON(w, map[string]interface{}{"run_info": rec.Info})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, r.URL.Query().Get("run_id"))
	if rec == nil {
		return
	}

	writeJSON(w, map[string]interface{}{"run": s.runView(rec)})
}

func (s *Server) appendParam(w http.ResponseWriter, rec *runRecord, p tracking.Param) bool {
	for _, existing := range rec.Params {
		if existing.Key == p.Key {
			if existing.Value == p.Value {
				return true
			}
			writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue,
				"param %q already logged with value %q", p.Key, existing.Value)

			return false
		}
	}
	rec.Params = append(rec.Params, p)

	return true
}

func (s *Server) logParam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, req.RunID)
	if rec == nil {
		return
	}
	if !s.appendParam(w, rec, tracking.Param{Key: req.Key, Value: req.Value}) {
		return
	}

	writeJSON(w, map[string]interface{}{})
}

func (s *Server) logMetric(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID     string  `json:"run_id"`
		Key       string  `json:"key"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
		Step      int64   `json:"step"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, req.RunID)
	if rec == nil {
		return
	}
	rec.Metrics = append(rec.Metrics, tracking.Metric{
		Key:       req.Key,
		Value:     req.Value,
		Timestamp: req.Timestamp,
		Step:      req.Step,
	})

	writeJSON(w, map[string]interface{}{})
}

func (s *Server) logBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID   string            `json:"run_id"`
		Metrics []tracking.Metric `json:"metrics"`
		Params  []tracking.Param  `json:"params"`
		Tags    []tracking.RunTag `json:"tags"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, req.RunID)
	if rec == nil {
		return
	}

	for _, p := range req.Params {
		if !s.appendParam(w, rec, p) {
			return
		}
	}
	rec.Metrics = append(rec.Metrics, req.Metrics...)
	rec.Tags = append(rec.Tags, req.Tags...)

	writeJSON(w, map[string]interface{}{})
}

func (s *Server) metricHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getRunRecord(w, r, r.URL.Query().Get("run_id"))
	if rec == nil {
		return
	}

	key := r.URL.Query().Get("metric_key")
	history := make([]tracking.Metric, 0)
	for _, m := range rec.Metrics {
		if m.Key == key {
			history = append(history, m)
		}
	}

	writeJSON(w, map[string]interface{}{"metrics": history})
}

func (s *Server) createRegisteredModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "model name must not be empty")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := millis()
	rec := &modelRecord{
		Model: tracking.RegisteredModel{
			Name:                 req.Name,
			CreationTimestamp:    now,
			LastUpdatedTimestamp: now,
		},
	}
	if err := s.models.Create(r.Context(), req.Name, rec); err != nil {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeResourceAlreadyExists, "registered model %q already exists", req.Name)

		return
	}

	writeJSON(w, map[string]interface{}{"registered_model": rec.Model})
}

func (s *Server) getModelRecord(w http.ResponseWriter, r *http.Request, name string) *modelRecord {
	v, err := s.models.Get(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "registered model %q not found", name)

		return nil
	}

	return v.(*modelRecord)
}

func (s *Server) getRegisteredModel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getModelRecord(w, r, r.URL.Query().Get("name"))
	if rec == nil {
		return
	}

	writeJSON(w, map[string]interface{}{"registered_model": rec.Model})
}

func (s *Server) createModelVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		RunID  string `json:"run_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getModelRecord(w, r, req.Name)
	if rec == nil {
		return
	}

	mv := tracking.ModelVersion{
		Name:              req.Name,
		Version:           strconv.Itoa(len(rec.Versions) + 1),
		CreationTimestamp: millis(),
		Source:            req.Source,
		RunID:             req.RunID,
		Status:            "READY",
	}
	rec.Versions = append(rec.Versions, mv)
	rec.Model.LatestVersions = []tracking.ModelVersion{mv}
	rec.Model.LastUpdatedTimestamp = mv.CreationTimestamp

	writeJSON(w, map[string]interface{}{"model_version": mv})
}

func (s *Server) findModelVersion(w http.ResponseWriter, r *http.Request) (tracking.ModelVersion, bool) {
	name := r.URL.Query().Get("name")
	version := r.URL.Query().Get("version")

	rec := s.getModelRecord(w, r, name)
	if rec == nil {
		return tracking.ModelVersion{}, false
	}

	for _, mv := range rec.Versions {
		if mv.Version == version {
			return mv, true
		}
	}
	writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "model version %q of %q not found", version, name)

	return tracking.ModelVersion{}, false
}

func (s *Server) getModelVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mv, ok := s.findModelVersion(w, r)
	if !ok {
		return
	}

	writeJSON(w, map[string]interface{}{"model_version": mv})
}

func (s *Server) getModelVersionDownloadURI(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mv, ok := s.findModelVersion(w, r)
	if !ok {
		return
	}

	writeJSON(w, map[string]string{"artifact_uri": mv.Source})
}

// splitArtifactPath breaks {experiment_id}/{run_id}/artifacts/{rel}
// into its run and relative components.
func splitArtifactPath(full string) (runID, rel string, ok bool) {
	parts := strings.SplitN(full, "/", 4)
	if len(parts) != 4 || parts[2] != "artifacts" || parts[3] == "" {
		return "", "", false
	}

	return parts[1], parts[3], true
}

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	runID, rel, ok := splitArtifactPath(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "malformed artifact path")

		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "failed to read artifact body: %s", err)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.getRunRecord(w, r, runID); rec == nil {
		return
	}

	key := runID + "/" + rel
	file := &artifactFile{Key: key, Data: data}
	if err := s.artifacts.Create(r.Context(), key, file); err != nil {
		_ = s.artifacts.Update(r.Context(), key, file)
	}

	writeJSON(w, map[string]interface{}{})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID, rel, ok := splitArtifactPath(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "malformed artifact path")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.artifacts.Get(r.Context(), runID+"/"+rel)
	if err != nil {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeResourceDoesNotExist, "artifact %q not found", rel)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(v.(*artifactFile).Data)
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	parts := strings.SplitN(path, "/", 4)
	if len(parts) < 3 || parts[2] != "artifacts" {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeInvalidParameterValue, "malformed artifact path")

		return
	}
	runID := parts[1]
	prefix := runID + "/"
	if len(parts) == 4 && parts[3] != "" {
		prefix += parts[3] + "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, _, err := s.artifacts.List(r.Context(), 0, 1<<32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, tracking.ErrorCodeInternalError, "failed to list artifacts: %s", err)

		return
	}

	files := make([]tracking.FileInfo, 0)
	for _, v := range all {
		file := v.(*artifactFile)
		if !strings.HasPrefix(file.Key, prefix) {
			continue
		}
		files = append(files, tracking.FileInfo{
			Path:     strings.TrimPrefix(file.Key, runID+"/"),
			FileSize: int64(len(file.Data)),
		})
	}

	writeJSON(w, map[string]interface{}{"files": files})
}

// Package tracking is a client for an MLflow-compatible experiment
// tracking and model registry server.
package tracking

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	pkgerrors "github.com/kilnml/kiln/pkg/errors"
)

const (
	CTJSON        = "application/json"
	CTOctetStream = "application/octet-stream"

	apiPrefix       = "/api/2.0/mlflow"
	artifactsPrefix = "/api/2.0/mlflow-artifacts/artifacts"
)

type SDK interface {
	// CreateExperiment creates a named experiment. A duplicate name
	// yields pkg/errors.ErrEntityExists.
	CreateExperiment(ctx context.Context, name string) (Experiment, error)

	// GetExperimentByName resolves an experiment by its unique name.
	GetExperimentByName(ctx context.Context, name string) (Experiment, error)

	// SetExperiment resolves the named experiment, creating it when
	// it does not exist yet.
	SetExperiment(ctx context.Context, name string) (Experiment, error)

	// CreateRun opens a new run under the experiment with the current
	// wall clock as start time.
	CreateRun(ctx context.Context, experimentID, name string, tags map[string]string) (Run, error)

	// UpdateRun transitions the run status, stamping end_time for
	// terminal statuses.
	UpdateRun(ctx context.Context, runID string, status RunStatus) (RunInfo, error)

	// GetRun fetches a run with its logged params, latest metrics and tags.
	GetRun(ctx context.Context, runID string) (Run, error)

	// LogParam records one immutable key/value parameter on the run.
	LogParam(ctx context.Context, runID, key, value string) error

	// LogMetric records one metric value at the given step.
	LogMetric(ctx context.Context, runID, key string, value float64, step int64) error

	// LogBatch records metrics, params and tags in one call.
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error

	// GetMetricHistory returns all logged values of one metric key.
	GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error)

	// UploadArtifact stores data under the run's artifact root at the
	// given relative path.
	UploadArtifact(ctx context.Context, runID, path string, data []byte) error

	// ListArtifacts lists artifact entries under the run, optionally
	// below a relative path.
	ListArtifacts(ctx context.Context, runID, path string) ([]FileInfo, error)

	// DownloadArtifact fetches artifact bytes from the run's artifact root.
	DownloadArtifact(ctx context.Context, runID, path string) ([]byte, error)

	// CreateRegisteredModel creates a named registry entry. A
	// duplicate name yields pkg/errors.ErrEntityExists.
	CreateRegisteredModel(ctx context.Context, name string) (RegisteredModel, error)

	// GetRegisteredModel fetches a registry entry with its latest versions.
	GetRegisteredModel(ctx context.Context, name string) (RegisteredModel, error)

	// CreateModelVersion registers source as the next version of the
	// named model. The server assigns the version number, "1" first.
	CreateModelVersion(ctx context.Context, name, source, runID string) (ModelVersion, error)

	// GetModelVersion resolves one version of a registered model. A
	// missing version yields pkg/errors.ErrNotFound.
	GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error)

	// GetModelVersionDownloadURI returns the artifact URI backing the version.
	GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error)

	// ResolveModelURI fetches model bytes behind a models:/<name>/<version>
	// or runs:/<run id>/<artifact path> reference.
	ResolveModelURI(ctx context.Context, uri string) ([]byte, error)
}

type Config struct {
	TrackingURL     string
	Timeout         time.Duration
	TLSVerification bool
}

type trackingSDK struct {
	trackingURL string
	client      *http.Client
}

func NewSDK(cfg Config) SDK {
	return &trackingSDK{
		trackingURL: strings.TrimRight(cfg.TrackingURL, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !cfg.TLSVerification,
				},
			}),
		},
	}
}

func (sdk *trackingSDK) processRequest(ctx context.Context, method, reqURL, contentType string, data []byte, expectedRespCode int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	resp, err := sdk.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != expectedRespCode {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	return body, nil
}

func decodeAPIError(code int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("unexpected response code: %d", code)
	}

	switch apiErr.Code {
	case ErrorCodeResourceDoesNotExist:
		return fmt.Errorf("%w: %w", pkgerrors.ErrNotFound, apiErr)
	case ErrorCodeResourceAlreadyExists:
		return fmt.Errorf("%w: %w", pkgerrors.ErrEntityExists, apiErr)
	default:
		return apiErr
	}
}

func (sdk *trackingSDK) endpoint(path string) string {
	return sdk.trackingURL + apiPrefix + path
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (sdk *trackingSDK) CreateExperiment(ctx context.Context, name string) (Experiment, error) {
	data, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return Experiment{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/experiments/create"), CTJSON, data, http.StatusOK)
	if err != nil {
		return Experiment{}, err
	}

	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Experiment{}, err
	}

	return Experiment{ExperimentID: resp.ExperimentID, Name: name}, nil
}

func (sdk *trackingSDK) GetExperimentByName(ctx context.Context, name string) (Experiment, error) {
	reqURL := sdk.endpoint("/experiments/get-by-name") + "?experiment_name=" + url.QueryEscape(name)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return Experiment{}, err
	}

	var resp struct {
		Experiment Experiment `json:"experiment"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Experiment{}, err
	}

	return resp.Experiment, nil
}

func (sdk *trackingSDK) SetExperiment(ctx context.Context, name string) (Experiment, error) {
	exp, err := sdk.GetExperimentByName(ctx, name)
	switch {
	case err == nil:
		return exp, nil
	case errors.Is(err, pkgerrors.ErrNotFound):
		return sdk.CreateExperiment(ctx, name)
	default:
		return Experiment{}, err
	}
}

func (sdk *trackingSDK) CreateRun(ctx context.Context, experimentID, name string, tags map[string]string) (Run, error) {
	runTags := make([]RunTag, 0, len(tags))
	for k, v := range tags {
		runTags = append(runTags, RunTag{Key: k, Value: v})
	}

	req := struct {
		ExperimentID string   `json:"experiment_id"`
		RunName      string   `json:"run_name,omitempty"`
		StartTime    int64    `json:"start_time"`
		Tags         []RunTag `json:"tags,omitempty"`
	}{
		ExperimentID: experimentID,
		RunName:      name,
		StartTime:    millis(time.Now()),
		Tags:         runTags,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Run{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/runs/create"), CTJSON, data, http.StatusOK)
	if err != nil {
		return Run{}, err
	}

	var resp struct {
		Run Run `json:"run"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Run{}, err
	}

	return resp.Run, nil
}

func (sdk *trackingSDK) UpdateRun(ctx context.Context, runID string, status RunStatus) (RunInfo, error) {
	req := struct {
		RunID   string    `json:"run_id"`
		Status  RunStatus `json:"status"`
		EndTime int64     `json:"end_time,omitempty"`
	}{
		RunID:  runID,
		Status: status,
	}
	switch status {
	case RunStatusFinished, RunStatusFailed, RunStatusKilled:
		req.EndTime = millis(time.Now())
	}

	data, err := json.Marshal(req)
	if err != nil {
		return RunInfo{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/runs/update"), CTJSON, data, http.StatusOK)
	if err != nil {
		return RunInfo{}, err
	}

	var resp struct {
		RunInfo RunInfo `json:"run_info"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return RunInfo{}, err
	}

	return resp.RunInfo, nil
}

func (sdk *trackingSDK) GetRun(ctx context.Context, runID string) (Run, error) {
	reqURL := sdk.endpoint("/runs/get") + "?run_id=" + url.QueryEscape(runID)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return Run{}, err
	}

	var resp struct {
		Run Run `json:"run"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Run{}, err
	}

	return resp.Run, nil
}

func (sdk *trackingSDK) LogParam(ctx context.Context, runID, key, value string) error {
	req := struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}{runID, key, value}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/runs/log-parameter"), CTJSON, data, http.StatusOK)

	return err
}

func (sdk *trackingSDK) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	req := struct {
		RunID     string  `json:"run_id"`
		Key       string  `json:"key"`
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
		Step      int64   `json:"step"`
	}{runID, key, value, millis(time.Now()), step}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/runs/log-metric"), CTJSON, data, http.StatusOK)

	return err
}

func (sdk *trackingSDK) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error {
	req := struct {
		RunID   string   `json:"run_id"`
		Metrics []Metric `json:"metrics,omitempty"`
		Params  []Param  `json:"params,omitempty"`
		Tags    []RunTag `json:"tags,omitempty"`
	}{runID, metrics, params, tags}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/runs/log-batch"), CTJSON, data, http.StatusOK)

	return err
}

func (sdk *trackingSDK) GetMetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	reqURL := sdk.endpoint("/metrics/get-history") + "?run_id=" + url.QueryEscape(runID) + "&metric_key=" + url.QueryEscape(key)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Metrics []Metric `json:"metrics"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	return resp.Metrics, nil
}

// artifactRoot resolves the run's artifact location, which the
// artifact REST API addresses as {experiment_id}/{run_id}/artifacts.
func (sdk *trackingSDK) artifactRoot(ctx context.Context, runID string) (string, error) {
	run, err := sdk.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s/artifacts", run.Info.ExperimentID, run.Info.RunID), nil
}

func (sdk *trackingSDK) UploadArtifact(ctx context.Context, runID, path string, data []byte) error {
	root, err := sdk.artifactRoot(ctx, runID)
	if err != nil {
		return err
	}

	reqURL := sdk.trackingURL + artifactsPrefix + "/" + root + "/" + path
	_, err = sdk.processRequest(ctx, http.MethodPut, reqURL, CTOctetStream, data, http.StatusOK)

	return err
}

func (sdk *trackingSDK) ListArtifacts(ctx context.Context, runID, path string) ([]FileInfo, error) {
	root, err := sdk.artifactRoot(ctx, runID)
	if err != nil {
		return nil, err
	}

	listPath := root
	if path != "" {
		listPath += "/" + path
	}
	reqURL := sdk.trackingURL + artifactsPrefix + "?path=" + url.QueryEscape(listPath)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	return resp.Files, nil
}

func (sdk *trackingSDK) DownloadArtifact(ctx context.Context, runID, path string) ([]byte, error) {
	root, err := sdk.artifactRoot(ctx, runID)
	if err != nil {
		return nil, err
	}

	reqURL := sdk.trackingURL + artifactsPrefix + "/" + root + "/" + path

	return sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
}

func (sdk *trackingSDK) CreateRegisteredModel(ctx context.Context, name string) (RegisteredModel, error) {
	data, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return RegisteredModel{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/registered-models/create"), CTJSON, data, http.StatusOK)
	if err != nil {
		return RegisteredModel{}, err
	}

	var resp struct {
		RegisteredModel RegisteredModel `json:"registered_model"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return RegisteredModel{}, err
	}

	return resp.RegisteredModel, nil
}

func (sdk *trackingSDK) GetRegisteredModel(ctx context.Context, name string) (RegisteredModel, error) {
	reqURL := sdk.endpoint("/registered-models/get") + "?name=" + url.QueryEscape(name)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return RegisteredModel{}, err
	}

	var resp struct {
		RegisteredModel RegisteredModel `json:"registered_model"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return RegisteredModel{}, err
	}

	return resp.RegisteredModel, nil
}

func (sdk *trackingSDK) CreateModelVersion(ctx context.Context, name, source, runID string) (ModelVersion, error) {
	req := struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		RunID  string `json:"run_id,omitempty"`
	}{name, source, runID}

	data, err := json.Marshal(req)
	if err != nil {
		return ModelVersion{}, err
	}

	body, err := sdk.processRequest(ctx, http.MethodPost, sdk.endpoint("/model-versions/create"), CTJSON, data, http.StatusOK)
	if err != nil {
		return ModelVersion{}, err
	}

	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ModelVersion{}, err
	}

	return resp.ModelVersion, nil
}

func (sdk *trackingSDK) GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	reqURL := sdk.endpoint("/model-versions/get") + "?name=" + url.QueryEscape(name) + "&version=" + url.QueryEscape(version)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return ModelVersion{}, err
	}

	var resp struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ModelVersion{}, err
	}

	return resp.ModelVersion, nil
}

func (sdk *trackingSDK) GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error) {
	reqURL := sdk.endpoint("/model-versions/get-download-uri") + "?name=" + url.QueryEscape(name) + "&version=" + url.QueryEscape(version)

	body, err := sdk.processRequest(ctx, http.MethodGet, reqURL, "", nil, http.StatusOK)
	if err != nil {
		return "", err
	}

	var resp struct {
		ArtifactURI string `json:"artifact_uri"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}

	return resp.ArtifactURI, nil
}

func (sdk *trackingSDK) ResolveModelURI(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "models:/"):
		rest := strings.TrimPrefix(uri, "models:/")
		name, version, ok := strings.Cut(rest, "/")
		if !ok || name == "" || version == "" {
			return nil, fmt.Errorf("%w: model uri %q", pkgerrors.ErrMalformedEntity, uri)
		}

		mv, err := sdk.GetModelVersion(ctx, name, version)
		if err != nil {
			return nil, err
		}

		return sdk.ResolveModelURI(ctx, mv.Source)
	case strings.HasPrefix(uri, "runs:/"):
		rest := strings.TrimPrefix(uri, "runs:/")
		runID, path, ok := strings.Cut(rest, "/")
		if !ok || runID == "" || path == "" {
			return nil, fmt.Errorf("%w: run uri %q", pkgerrors.ErrMalformedEntity, uri)
		}

		return sdk.DownloadArtifact(ctx, runID, path)
	default:
		return nil, fmt.Errorf("%w: unsupported model uri %q", pkgerrors.ErrMalformedEntity, uri)
	}
}

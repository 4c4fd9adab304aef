package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kilnml/kiln/pkg/tracking"
)

// MockSDK is a mock implementation of the tracking.SDK interface.
type MockSDK struct {
	mock.Mock
}

func (m *MockSDK) CreateExperiment(ctx context.Context, name string) (tracking.Experiment, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(tracking.Experiment), args.Error(1)
}

func (m *MockSDK) GetExperimentByName(ctx context.Context, name string) (tracking.Experiment, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(tracking.Experiment), args.Error(1)
}

func (m *MockSDK) SetExperiment(ctx context.Context, name string) (tracking.Experiment, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(tracking.Experiment), args.Error(1)
}

func (m *MockSDK) CreateRun(ctx context.Context, experimentID, name string, tags map[string]string) (tracking.Run, error) {
	args := m.Called(ctx, experimentID, name, tags)
	return args.Get(0).(tracking.Run), args.Error(1)
}

func (m *MockSDK) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus) (tracking.RunInfo, error) {
	args := m.Called(ctx, runID, status)
	return args.Get(0).(tracking.RunInfo), args.Error(1)
}

func (m *MockSDK) GetRun(ctx context.Context, runID string) (tracking.Run, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(tracking.Run), args.Error(1)
}

func (m *MockSDK) LogParam(ctx context.Context, runID, key, value string) error {
	args := m.Called(ctx, runID, key, value)
	return args.Error(0)
}

func (m *MockSDK) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	args := m.Called(ctx, runID, key, value, step)
	return args.Error(0)
}

func (m *MockSDK) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	args := m.Called(ctx, runID, metrics, params, tags)
	return args.Error(0)
}

func (m *MockSDK) GetMetricHistory(ctx context.Context, runID, key string) ([]tracking.Metric, error) {
	args := m.Called(ctx, runID, key)
	return args.Get(0).([]tracking.Metric), args.Error(1)
}

func (m *MockSDK) UploadArtifact(ctx context.Context, runID, path string, data []byte) error {
	args := m.Called(ctx, runID, path, data)
	return args.Error(0)
}

func (m *MockSDK) ListArtifacts(ctx context.Context, runID, path string) ([]tracking.FileInfo, error) {
	args := m.Called(ctx, runID, path)
	return args.Get(0).([]tracking.FileInfo), args.Error(1)
}

func (m *MockSDK) DownloadArtifact(ctx context.Context, runID, path string) ([]byte, error) {
	args := m.Called(ctx, runID, path)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSDK) CreateRegisteredModel(ctx context.Context, name string) (tracking.RegisteredModel, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(tracking.RegisteredModel), args.Error(1)
}

func (m *MockSDK) GetRegisteredModel(ctx context.Context, name string) (tracking.RegisteredModel, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(tracking.RegisteredModel), args.Error(1)
}

func (m *MockSDK) CreateModelVersion(ctx context.Context, name, source, runID string) (tracking.ModelVersion, error) {
	args := m.Called(ctx, name, source, runID)
	return args.Get(0).(tracking.ModelVersion), args.Error(1)
}

func (m *MockSDK) GetModelVersion(ctx context.Context, name, version string) (tracking.ModelVersion, error) {
	args := m.Called(ctx, name, version)
	return args.Get(0).(tracking.ModelVersion), args.Error(1)
}

func (m *MockSDK) GetModelVersionDownloadURI(ctx context.Context, name, version string) (string, error) {
	args := m.Called(ctx, name, version)
	return args.String(0), args.Error(1)
}

func (m *MockSDK) ResolveModelURI(ctx context.Context, uri string) ([]byte, error) {
	args := m.Called(ctx, uri)
	return args.Get(0).([]byte), args.Error(1)
}

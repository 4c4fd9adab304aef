package tracking_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/pkg/errors"
	"github.com/kilnml/kiln/pkg/tracking"
	"github.com/kilnml/kiln/pkg/tracking/trackingtest"
)

func newSDK(t *testing.T) tracking.SDK {
	t.Helper()

	srv := httptest.NewServer(trackingtest.New())
	t.Cleanup(srv.Close)

	return tracking.NewSDK(tracking.Config{
		TrackingURL: srv.URL,
		Timeout:     5 * time.Second,
	})
}

func TestExperiments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	_, err := sdk.GetExperimentByName(ctx, "mnist")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	created, err := sdk.CreateExperiment(ctx, "mnist")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ExperimentID)

	_, err = sdk.CreateExperiment(ctx, "mnist")
	assert.ErrorIs(t, err, errors.ErrEntityExists)

	got, err := sdk.GetExperimentByName(ctx, "mnist")
	require.NoError(t, err)
	assert.Equal(t, created.ExperimentID, got.ExperimentID)
	assert.Equal(t, "mnist", got.Name)
}

func TestSetExperiment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	first, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)

	second, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)
	assert.Equal(t, first.ExperimentID, second.ExperimentID)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	exp, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)

	run, err := sdk.CreateRun(ctx, exp.ExperimentID, "spring-rain", map[string]string{"user": "kiln"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.Info.RunID)
	assert.Equal(t, tracking.RunStatusRunning, run.Info.Status)
	assert.Equal(t, "spring-rain", run.Info.RunName)

	err = sdk.LogBatch(ctx, run.Info.RunID, nil, []tracking.Param{
		{Key: "learning_rate", Value: "0.1"},
		{Key: "epochs", Value: "5"},
	}, nil)
	require.NoError(t, err)

	for epoch := int64(0); epoch < 5; epoch++ {
		require.NoError(t, sdk.LogMetric(ctx, run.Info.RunID, "train_loss", 1.0/float64(epoch+1), epoch))
		require.NoError(t, sdk.LogMetric(ctx, run.Info.RunID, "test_loss", 1.2/float64(epoch+1), epoch))
	}

	got, err := sdk.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Len(t, got.Data.Params, 2)
	// runs/get carries only the latest value per metric key.
	assert.Len(t, got.Data.Metrics, 2)

	history, err := sdk.GetMetricHistory(ctx, run.Info.RunID, "train_loss")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, m := range history {
		assert.Equal(t, int64(i), m.Step)
	}

	info, err := sdk.UpdateRun(ctx, run.Info.RunID, tracking.RunStatusFinished)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, info.Status)
	assert.NotZero(t, info.EndTime)

	_, err = sdk.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestLogParamConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	exp, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)
	run, err := sdk.CreateRun(ctx, exp.ExperimentID, "", nil)
	require.NoError(t, err)

	require.NoError(t, sdk.LogParam(ctx, run.Info.RunID, "epochs", "5"))
	// Re-logging the same value is idempotent, a new value is not.
	require.NoError(t, sdk.LogParam(ctx, run.Info.RunID, "epochs", "5"))
	err = sdk.LogParam(ctx, run.Info.RunID, "epochs", "7")
	require.Error(t, err)

	var apiErr tracking.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, tracking.ErrorCodeInvalidParameterValue, apiErr.Code)
}

func TestArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	exp, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)
	run, err := sdk.CreateRun(ctx, exp.ExperimentID, "", nil)
	require.NoError(t, err)

	payload := []byte(`{"format":"kiln.nn.v1"}`)
	require.NoError(t, sdk.UploadArtifact(ctx, run.Info.RunID, "model/network.json", payload))

	files, err := sdk.ListArtifacts(ctx, run.Info.RunID, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "model/network.json", files[0].Path)
	assert.Equal(t, int64(len(payload)), files[0].FileSize)

	got, err := sdk.DownloadArtifact(ctx, run.Info.RunID, "model/network.json")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = sdk.DownloadArtifact(ctx, run.Info.RunID, "model/missing.json")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestModelRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	exp, err := sdk.SetExperiment(ctx, "mnist")
	require.NoError(t, err)
	run, err := sdk.CreateRun(ctx, exp.ExperimentID, "", nil)
	require.NoError(t, err)

	payload := []byte(`{"weights":[1,2,3]}`)
	require.NoError(t, sdk.UploadArtifact(ctx, run.Info.RunID, "model/network.json", payload))

	_, err = sdk.CreateRegisteredModel(ctx, "mnist-classifier")
	require.NoError(t, err)
	_, err = sdk.CreateRegisteredModel(ctx, "mnist-classifier")
	assert.ErrorIs(t, err, errors.ErrEntityExists)

	source := "runs:/" + run.Info.RunID + "/model/network.json"
	mv, err := sdk.CreateModelVersion(ctx, "mnist-classifier", source, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, "1", mv.Version)

	got, err := sdk.GetModelVersion(ctx, "mnist-classifier", "1")
	require.NoError(t, err)
	assert.Equal(t, source, got.Source)

	_, err = sdk.GetModelVersion(ctx, "mnist-classifier", "2")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	uri, err := sdk.GetModelVersionDownloadURI(ctx, "mnist-classifier", "1")
	require.NoError(t, err)
	assert.Equal(t, source, uri)

	model, err := sdk.GetRegisteredModel(ctx, "mnist-classifier")
	require.NoError(t, err)
	require.Len(t, model.LatestVersions, 1)
	assert.Equal(t, "1", model.LatestVersions[0].Version)

	data, err := sdk.ResolveModelURI(ctx, "models:/mnist-classifier/1")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	data, err = sdk.ResolveModelURI(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestResolveModelURIMalformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)

	cases := []string{
		"models:/name-only",
		"runs:/run-only",
		"file:///tmp/model.json",
		"",
	}
	for _, uri := range cases {
		_, err := sdk.ResolveModelURI(ctx, uri)
		assert.ErrorIs(t, err, errors.ErrMalformedEntity, uri)
	}
}

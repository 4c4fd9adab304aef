package trainer_test

import (
	"context"
	"math"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/mnist"
	pkgerrors "github.com/kilnml/kiln/pkg/errors"
	"github.com/kilnml/kiln/pkg/tracking"
	"github.com/kilnml/kiln/pkg/tracking/trackingtest"
	"github.com/kilnml/kiln/trainer"
)

// stubLoader serves a small synthetic three-class dataset of 2x2
// images where the brightest pixel encodes the class.
type stubLoader struct {
	train mnist.Dataset
	test  mnist.Dataset
	err   error
}

func (l *stubLoader) Load(_ context.Context) (mnist.Dataset, mnist.Dataset, error) {
	return l.train, l.test, l.err
}

func synthDataset(n int, seed int64) mnist.Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := mnist.Dataset{
		Images: make([][]float64, n),
		Labels: make([]int, n),
		Rows:   2,
		Cols:   2,
	}
	for i := range ds.Images {
		label := i % 3
		img := make([]float64, 4)
		for j := range img {
			img[j] = rng.Float64() * 0.1
		}
		img[label] += 0.9
		ds.Images[i] = img
		ds.Labels[i] = label
	}

	return ds
}

func newLoader() *stubLoader {
	return &stubLoader{
		train: synthDataset(60, 1),
		test:  synthDataset(12, 2),
	}
}

func newSDK(t *testing.T) tracking.SDK {
	t.Helper()

	srv := httptest.NewServer(trackingtest.New())
	t.Cleanup(srv.Close)

	return tracking.NewSDK(tracking.Config{
		TrackingURL: srv.URL,
		Timeout:     5 * time.Second,
	})
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)
	svc := trainer.NewService(sdk, newLoader())

	cfg := trainer.RunConfig{
		Experiment:   "mnist",
		RunName:      "first-run",
		Epochs:       5,
		BatchSize:    8,
		LearningRate: 0.5,
		Seed:         42,
	}
	summary, err := svc.Run(ctx, cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "first-run", summary.RunName)
	assert.Equal(t, "mnist-classifier", summary.ModelName)
	assert.Equal(t, "1", summary.ModelVersion)
	assert.Equal(t, "models:/mnist-classifier/1", summary.ModelURI)
	assert.False(t, math.IsNaN(summary.TrainLoss))
	assert.GreaterOrEqual(t, summary.TrainLoss, 0.0)

	// Exactly one run with exactly two params.
	run, err := sdk.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, run.Info.Status)
	require.Len(t, run.Data.Params, 2)
	params := map[string]string{}
	for _, p := range run.Data.Params {
		params[p.Key] = p.Value
	}
	assert.Equal(t, "0.5", params["learning_rate"])
	assert.Equal(t, "5", params["epochs"])

	// Both losses logged once per epoch at steps 0..4, each finite
	// and non-negative.
	for _, key := range []string{"train_loss", "test_loss"} {
		history, err := sdk.GetMetricHistory(ctx, summary.RunID, key)
		require.NoError(t, err)
		require.Len(t, history, 5, key)
		for i, m := range history {
			assert.Equal(t, int64(i), m.Step)
			assert.False(t, math.IsNaN(m.Value) || math.IsInf(m.Value, 0))
			assert.GreaterOrEqual(t, m.Value, 0.0)
		}
	}

	// The registered version resolves; a non-existent one does not.
	mv, err := sdk.GetModelVersion(ctx, "mnist-classifier", "1")
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, mv.RunID)
	_, err = sdk.GetModelVersion(ctx, "mnist-classifier", "9")
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestRunSecondRegistrationBumpsVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)
	svc := trainer.NewService(sdk, newLoader())

	cfg := trainer.RunConfig{Epochs: 1, BatchSize: 16, LearningRate: 0.1, Seed: 1}

	first, err := svc.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "1", first.ModelVersion)

	second, err := svc.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2", second.ModelVersion)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunGeneratesRunName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := trainer.NewService(newSDK(t), newLoader())

	summary, err := svc.Run(ctx, trainer.RunConfig{Epochs: 1, BatchSize: 16, Seed: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunName)
}

// A reloaded model must produce exactly the logits the trained model
// produced for the same input.
func TestInferRoundTripFidelity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)
	loader := newLoader()
	svc := trainer.NewService(sdk, loader)

	summary, err := svc.Run(ctx, trainer.RunConfig{Epochs: 3, BatchSize: 8, LearningRate: 0.5, Seed: 42})
	require.NoError(t, err)

	pred, err := svc.Infer(ctx, summary.ModelURI, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, pred.Index)
	assert.Equal(t, loader.test.Labels[0], pred.Label)
	assert.Len(t, pred.Probabilities, 10)
	assert.Equal(t, loader.test.Images[0], pred.Image.Pixels)

	again, err := svc.Infer(ctx, summary.ModelURI, 0)
	require.NoError(t, err)
	assert.Equal(t, pred.Probabilities, again.Probabilities)
	assert.Equal(t, pred.Predicted, again.Predicted)

	// runs:/ form resolves to the same artifact.
	viaRun, err := svc.Infer(ctx, "runs:/"+summary.RunID+"/"+trainer.ArtifactPath, 0)
	require.NoError(t, err)
	assert.Equal(t, pred.Probabilities, viaRun.Probabilities)
}

func TestInferErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sdk := newSDK(t)
	svc := trainer.NewService(sdk, newLoader())

	summary, err := svc.Run(ctx, trainer.RunConfig{Epochs: 1, BatchSize: 16, Seed: 5})
	require.NoError(t, err)

	_, err = svc.Infer(ctx, "models:/mnist-classifier/9", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	_, err = svc.Infer(ctx, summary.ModelURI, 1000)
	assert.ErrorIs(t, err, mnist.ErrIndexOutOfRange)

	_, err = svc.Infer(ctx, "oci://not-a-model", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrMalformedEntity)
}

// Package trainer orchestrates tracked training runs: it fits the
// classifier on MNIST, logs parameters and per-epoch losses to the
// tracking server, uploads the trained network as a run artifact and
// registers it under a named registry entry.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/0x6flab/namegenerator"

	"github.com/kilnml/kiln/mnist"
	"github.com/kilnml/kiln/nn"
	pkgerrors "github.com/kilnml/kiln/pkg/errors"
	"github.com/kilnml/kiln/pkg/tracking"
)

const (
	DefExperiment   = "mnist"
	DefModelName    = "mnist-classifier"
	DefEpochs       = 5
	DefBatchSize    = 64
	DefLearningRate = 0.1
	DefSeed         = 42

	// ArtifactPath is where the serialized network lands under the
	// run's artifact root.
	ArtifactPath = "model/network.json"

	metricTrainLoss = "train_loss"
	metricTestLoss  = "test_loss"

	paramLearningRate = "learning_rate"
	paramEpochs       = "epochs"

	sourceNameTag = "mlflow.source.name"
	sourceName    = "kiln"
)

// DatasetLoader supplies the train and test splits. mnist.Provider is
// the production implementation.
type DatasetLoader interface {
	Load(ctx context.Context) (mnist.Dataset, mnist.Dataset, error)
}

type RunConfig struct {
	Experiment   string
	RunName      string
	ModelName    string
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	// Limit truncates both splits for smoke runs; 0 keeps everything.
	Limit int
}

func (c *RunConfig) setDefaults() {
	if c.Experiment == "" {
		c.Experiment = DefExperiment
	}
	if c.ModelName == "" {
		c.ModelName = DefModelName
	}
	if c.Epochs <= 0 {
		c.Epochs = DefEpochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefBatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefLearningRate
	}
}

type RunSummary struct {
	RunID        string  `json:"run_id"`
	ExperimentID string  `json:"experiment_id"`
	RunName      string  `json:"run_name"`
	ModelName    string  `json:"model_name"`
	ModelVersion string  `json:"model_version"`
	ModelURI     string  `json:"model_uri"`
	Epochs       int     `json:"epochs"`
	TrainLoss    float64 `json:"train_loss"`
	TestLoss     float64 `json:"test_loss"`
	TestAccuracy float64 `json:"test_accuracy"`
}

type Prediction struct {
	Index         int         `json:"index"`
	Label         int         `json:"label"`
	Predicted     int         `json:"predicted"`
	Probabilities []float64   `json:"probabilities"`
	Image         mnist.Image `json:"-"`
}

type Service interface {
	// Run executes one tracked training run end to end and returns
	// the registered model version it produced.
	Run(ctx context.Context, cfg RunConfig) (RunSummary, error)

	// Infer reloads a registered model by URI and classifies the
	// test-split sample at index.
	Infer(ctx context.Context, modelURI string, index int) (Prediction, error)
}

type service struct {
	sdk       tracking.SDK
	data      DatasetLoader
	generator namegenerator.NameGenerator
}

func NewService(sdk tracking.SDK, data DatasetLoader) Service {
	return &service{
		sdk:       sdk,
		data:      data,
		generator: namegenerator.NewGenerator(),
	}
}

func (s *service) Run(ctx context.Context, cfg RunConfig) (summary RunSummary, err error) {
	cfg.setDefaults()

	exp, err := s.sdk.SetExperiment(ctx, cfg.Experiment)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to set experiment: %w", err)
	}

	runName := cfg.RunName
	if runName == "" {
		runName = s.generator.Generate()
	}

	run, err := s.sdk.CreateRun(ctx, exp.ExperimentID, runName, map[string]string{
		sourceNameTag: sourceName,
	})
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to create run: %w", err)
	}
	runID := run.Info.RunID

	// No retries: the first failure aborts the run, which is marked
	// FAILED on the way out.
	defer func() {
		if err != nil {
			_, _ = s.sdk.UpdateRun(ctx, runID, tracking.RunStatusFailed)
		}
	}()

	params := []tracking.Param{
		{Key: paramLearningRate, Value: strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64)},
		{Key: paramEpochs, Value: strconv.Itoa(cfg.Epochs)},
	}
	if err = s.sdk.LogBatch(ctx, runID, nil, params, nil); err != nil {
		return RunSummary{}, fmt.Errorf("failed to log params: %w", err)
	}

	train, test, err := s.data.Load(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to load dataset: %w", err)
	}
	train = train.Truncate(cfg.Limit)
	test = test.Truncate(cfg.Limit)
	if train.Len() == 0 || test.Len() == 0 {
		err = fmt.Errorf("%w: empty dataset split", pkgerrors.ErrInvalidData)

		return RunSummary{}, err
	}

	netCfg := nn.DefaultConfig()
	netCfg.Inputs = train.Rows * train.Cols
	netCfg.Seed = cfg.Seed
	net, err := nn.New(netCfg)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to build network: %w", err)
	}

	var trainLoss, testLoss, testAcc float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		// Reshuffle each epoch with an offset seed so batch order
		// differs between epochs but stays reproducible.
		batches := train.Batches(cfg.BatchSize, true, cfg.Seed+int64(epoch))

		var lossSum float64
		for _, b := range batches {
			batchLoss, terr := net.TrainBatch(b.Images, b.Labels, cfg.LearningRate)
			if terr != nil {
				err = fmt.Errorf("failed to train batch: %w", terr)

				return RunSummary{}, err
			}
			lossSum += batchLoss * float64(len(b.Labels))
		}
		trainLoss = lossSum / float64(train.Len())

		testLoss, testAcc, err = net.Evaluate(test.Images, test.Labels)
		if err != nil {
			return RunSummary{}, fmt.Errorf("failed to evaluate test split: %w", err)
		}

		if err = s.sdk.LogMetric(ctx, runID, metricTrainLoss, trainLoss, int64(epoch)); err != nil {
			return RunSummary{}, fmt.Errorf("failed to log train loss: %w", err)
		}
		if err = s.sdk.LogMetric(ctx, runID, metricTestLoss, testLoss, int64(epoch)); err != nil {
			return RunSummary{}, fmt.Errorf("failed to log test loss: %w", err)
		}
	}

	checkpoint, err := net.Save()
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to serialize network: %w", err)
	}
	if err = s.sdk.UploadArtifact(ctx, runID, ArtifactPath, checkpoint); err != nil {
		return RunSummary{}, fmt.Errorf("failed to upload model artifact: %w", err)
	}

	if _, cerr := s.sdk.CreateRegisteredModel(ctx, cfg.ModelName); cerr != nil && !errors.Is(cerr, pkgerrors.ErrEntityExists) {
		err = fmt.Errorf("failed to create registered model: %w", cerr)

		return RunSummary{}, err
	}

	source := "runs:/" + runID + "/" + ArtifactPath
	mv, err := s.sdk.CreateModelVersion(ctx, cfg.ModelName, source, runID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to register model version: %w", err)
	}

	if _, err = s.sdk.UpdateRun(ctx, runID, tracking.RunStatusFinished); err != nil {
		return RunSummary{}, fmt.Errorf("failed to finish run: %w", err)
	}

	return RunSummary{
		RunID:        runID,
		ExperimentID: exp.ExperimentID,
		RunName:      runName,
		ModelName:    cfg.ModelName,
		ModelVersion: mv.Version,
		ModelURI:     fmt.Sprintf("models:/%s/%s", cfg.ModelName, mv.Version),
		Epochs:       cfg.Epochs,
		TrainLoss:    trainLoss,
		TestLoss:     testLoss,
		TestAccuracy: testAcc,
	}, nil
}

func (s *service) Infer(ctx context.Context, modelURI string, index int) (Prediction, error) {
	checkpoint, err := s.sdk.ResolveModelURI(ctx, modelURI)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to resolve model uri: %w", err)
	}

	net, err := nn.Load(checkpoint)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to load network: %w", err)
	}

	_, test, err := s.data.Load(ctx)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to load dataset: %w", err)
	}

	img, label, err := test.Sample(index)
	if err != nil {
		return Prediction{}, err
	}

	predicted, probs, err := net.Predict(img.Pixels)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to run inference: %w", err)
	}

	return Prediction{
		Index:         index,
		Label:         label,
		Predicted:     predicted,
		Probabilities: probs,
		Image:         img,
	}, nil
}

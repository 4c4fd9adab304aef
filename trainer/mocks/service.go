package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kilnml/kiln/trainer"
)

// MockService is a mock implementation of the trainer.Service interface.
type MockService struct {
	mock.Mock
}

func (m *MockService) Run(ctx context.Context, cfg trainer.RunConfig) (trainer.RunSummary, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(trainer.RunSummary), args.Error(1)
}

func (m *MockService) Infer(ctx context.Context, modelURI string, index int) (trainer.Prediction, error) {
	args := m.Called(ctx, modelURI, index)
	return args.Get(0).(trainer.Prediction), args.Error(1)
}

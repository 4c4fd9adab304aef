// Package cli implements the kiln commands on top of the trainer
// service and the tracking SDK.
package cli

import (
	"github.com/kilnml/kiln/pkg/tracking"
	"github.com/kilnml/kiln/trainer"
)

var (
	tsdk tracking.SDK
	tsvc trainer.Service
)

// SetTrackingSDK sets the tracking SDK instance used by the read-side
// commands (runs, experiments, models).
func SetTrackingSDK(s tracking.SDK) {
	tsdk = s
}

// SetTrainerService sets the service behind the train and infer commands.
func SetTrainerService(s trainer.Service) {
	tsvc = s
}

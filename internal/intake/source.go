// Package intake feeds samples into the engine from the live MQTT
// device-push path, bulk CSV import, and the demo generator. All
// sources hand off through the same SubmitFunc, so stored state never
// depends on where a sample came from.
package intake

import "wattboard/internal/models"

// SubmitFunc delivers one validated sample into the ingestion
// pipeline. Implementations may block briefly on backpressure.
type SubmitFunc func(sample *models.Sample) error

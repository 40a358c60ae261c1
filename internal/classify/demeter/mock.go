package demeter

import (
	"context"
	"hash/fnv"

	"demeter.dev/internal/classify"
)

// grainTypes are the crops the mock rotates through.
var grainTypes = []string{"Soja", "Milho", "Feijão", "Arroz", "Trigo"}

// MockGateway produces deterministic verdicts without a remote classifier.
// Intended for local development and environments with no classifier URL.
type MockGateway struct{}

var _ classify.Gateway = MockGateway{}

func (MockGateway) Classify(_ context.Context, image []byte) (classify.Verdict, error) {
	return MockVerdict(image, ""), nil
}

// MockVerdict derives a stable verdict from the image bytes, so repeated
// submissions of the same image classify identically. A non-empty
// fallbackReason marks the verdict degraded.
func MockVerdict(image []byte, fallbackReason string) classify.Verdict {
	h := fnv.New64a()
	h.Write(image)
	sum := h.Sum64()

	grain := grainTypes[sum%uint64(len(grainTypes))]
	// Confidence in [0.70, 0.95), keyed by the hash.
	confidence := 0.70 + float64(sum%25)/100

	analysis := map[string]any{
		"source":  "mock",
		"quality": "good",
	}
	degraded := fallbackReason != ""
	if degraded {
		analysis["fallback_reason"] = fallbackReason
	}
	return classify.Verdict{
		GrainType:  grain,
		Confidence: confidence,
		Degraded:   degraded,
		Analysis:   analysis,
	}
}

package sched

import "fmt"

// Class names one job queue. Each class has its own worker pool, retry
// policy, and timeout.
type Class string

const (
	ClassFeatureExtraction Class = "feature-extraction"
	ClassModelTraining     Class = "model-training"
	ClassPrediction        Class = "prediction"
	ClassRuleBased         Class = "rule-based-detection"
	ClassXAI               Class = "xai-explanations"
	ClassAdversarial       Class = "adversarial-attacks"
	ClassRetraining        Class = "model-retraining"
)

// Classes lists every queue in a stable order.
var Classes = []Class{
	ClassFeatureExtraction,
	ClassModelTraining,
	ClassPrediction,
	ClassRuleBased,
	ClassXAI,
	ClassAdversarial,
	ClassRetraining,
}

// ParseClass validates a queue name from an API request.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown job class %q", s)
}

package projection

import "timelines/internal/models"

// StartClassifier decides whether a run was started by an automation or by hand.
type StartClassifier interface {
	Classify(sc models.StateChange) models.StartMethod
}

// StartClassifierFunc adapts a function to StartClassifier.
type StartClassifierFunc func(sc models.StateChange) models.StartMethod

func (f StartClassifierFunc) Classify(sc models.StateChange) models.StartMethod { return f(sc) }

// ThresholdExtractor pulls the humidity threshold that triggered a run, if any.
type ThresholdExtractor interface {
	Extract(sc models.StateChange) *float64
}

// ThresholdExtractorFunc adapts a function to ThresholdExtractor.
type ThresholdExtractorFunc func(sc models.StateChange) *float64

func (f ThresholdExtractorFunc) Extract(sc models.StateChange) *float64 { return f(sc) }

// ManualStart classifies every run as manual.
var ManualStart = StartClassifierFunc(func(models.StateChange) models.StartMethod {
	return models.StartedByManual
})

// NoThreshold never reports a threshold.
var NoThreshold = ThresholdExtractorFunc(func(models.StateChange) *float64 { return nil })

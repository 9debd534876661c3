package model

import (
	"fmt"
	"math"
)

// ClassScore is the probability assigned to one class.
type ClassScore struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Raw formats the probability with four decimals.
func (c ClassScore) Raw() string {
	return fmt.Sprintf("%.4f", c.Probability)
}

// Percent formats the probability as a percentage with two decimals.
func (c ClassScore) Percent() string {
	return formatPercent(c.Probability)
}

// BarWidth is the probability as a percentage clamped to [0, 100], for
// drawing proportional bars.
func (c ClassScore) BarWidth() float64 {
	w := float64(c.Probability) * 100
	switch {
	case math.IsNaN(w), w < 0:
		return 0
	case w > 100:
		return 100
	}
	return w
}

// Prediction is the interpreted model output for one image.
type Prediction struct {
	Index      int          `json:"index"`
	Label      string       `json:"label"`
	Confidence float32      `json:"confidence"`
	Classes    []ClassScore `json:"classes"`
}

// ConfidencePercent formats the confidence as e.g. "90.00%".
func (p *Prediction) ConfidencePercent() string {
	return formatPercent(p.Confidence)
}

// Total sums the per-class probabilities.
func (p *Prediction) Total() float64 {
	var sum float64
	for _, c := range p.Classes {
		sum += float64(c.Probability)
	}
	return sum
}

// Interpret maps a probability vector to labels. The first maximum wins,
// so ties resolve to the lowest index.
func Interpret(probabilities []float32, labels []string) (*Prediction, error) {
	if len(probabilities) == 0 {
		return nil, ErrEmptyOutput
	}
	if len(probabilities) != len(labels) {
		return nil, fmt.Errorf("%w: got %d scores for %d labels", ErrLabelMismatch, len(probabilities), len(labels))
	}

	best := 0
	for i, p := range probabilities {
		if p > probabilities[best] {
			best = i
		}
	}

	classes := make([]ClassScore, len(probabilities))
	for i, p := range probabilities {
		classes[i] = ClassScore{Label: labels[i], Probability: p}
	}

	return &Prediction{
		Index:      best,
		Label:      labels[best],
		Confidence: probabilities[best],
		Classes:    classes,
	}, nil
}

func formatPercent(p float32) string {
	return fmt.Sprintf("%.2f%%", float64(p)*100)
}

// Package report turns evaluation and benchmark results into numbers and
// pictures: ROC curves with their AUC, PNG plots for the console-less
// pipeline and an interactive HTML chart of performance sweeps.
package report

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrSingleClass is returned when the labels contain only one class, which
// leaves the ROC curve undefined.
var ErrSingleClass = errors.New("report: ROC needs both positive and negative labels")

// Curve is a ROC curve. FPR is non-decreasing and runs from 0 to 1.
type Curve struct {
	Name string
	FPR  []float64
	TPR  []float64
	AUC  float64
}

// ROC computes the ROC curve of scores against 0/1 labels.
func ROC(name string, scores []float64, labels []float32) (*Curve, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("report: %d scores for %d labels", len(scores), len(labels))
	}

	y := make([]float64, len(scores))
	copy(y, scores)
	classes := make([]bool, len(labels))
	var pos, neg int
	for i, l := range labels {
		classes[i] = l == 1
		if classes[i] {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, ErrSingleClass
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)

	return &Curve{
		Name: name,
		FPR:  fpr,
		TPR:  tpr,
		AUC:  integrate.Trapezoidal(fpr, tpr),
	}, nil
}

// AUC returns the area under the ROC curve of scores against labels.
func AUC(scores []float64, labels []float32) (float64, error) {
	c, err := ROC("", scores, labels)
	if err != nil {
		return 0, err
	}
	return c.AUC, nil
}

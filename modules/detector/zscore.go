package detector

import (
	"context"
	"math"

	"github.com/gridwatch/gridwatch/pkg/model"
)

// rollingWindow is a fixed-size FIFO of values with running sum and
// sum-of-squares so mean and variance are O(1) per push.
type rollingWindow struct {
	values []float64
	head   int
	count  int
	sum    float64
	sumsq  float64
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{values: make([]float64, size)}
}

func (w *rollingWindow) push(v float64) {
	if w.count == len(w.values) {
		old := w.values[w.head]
		w.sum -= old
		w.sumsq -= old * old
	} else {
		w.count++
	}
	w.values[w.head] = v
	w.head = (w.head + 1) % len(w.values)
	w.sum += v
	w.sumsq += v * v
}

// stddev returns the Bessel-corrected standard deviation, or 0 when the
// window holds fewer than two values.
func (w *rollingWindow) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	n := float64(w.count)
	variance := (w.sumsq - w.sum*w.sum/n) / (n - 1)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func (w *rollingWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// zscoreDetector scores each metric against its own rolling window and
// reports the worst metric. Online semantics: a point joins the window
// before it is scored, so later points in a batch see earlier ones.
type zscoreDetector struct {
	threshold float64
	windows   [model.MetricCount]*rollingWindow
}

func newZScoreDetector(windowSize int, threshold float64) *zscoreDetector {
	d := &zscoreDetector{threshold: threshold}
	for i := range d.windows {
		d.windows[i] = newRollingWindow(windowSize)
	}
	return d
}

func (d *zscoreDetector) scoreBatch(_ context.Context, points []model.Point) []Result {
	results := make([]Result, 0, len(points))
	for i := range points {
		score := d.scorePoint(&points[i])
		results = append(results, Result{
			Point:     points[i],
			Score:     score,
			IsAnomaly: score > d.threshold,
			Detector:  EngineZScore,
		})
	}
	return results
}

func (d *zscoreDetector) scorePoint(p *model.Point) float64 {
	features := p.Features()
	score := 0.0
	for i, v := range features {
		w := d.windows[i]
		w.push(v)
		sigma := w.stddev()
		if sigma <= 0 {
			continue
		}
		z := math.Abs(v-w.mean()) / sigma
		if z > score {
			score = z
		}
	}
	return score
}

func (d *zscoreDetector) flush(context.Context) []Result {
	return nil
}

// warm seeds the windows without producing results.
func (d *zscoreDetector) warm(points []model.Point) {
	for i := range points {
		features := points[i].Features()
		for f, v := range features {
			d.windows[f].push(v)
		}
	}
}

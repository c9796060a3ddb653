package detector

import (
	"context"
	"math"
	"sort"

	"github.com/gridwatch/gridwatch/pkg/model"
)

// madFloor avoids divide-by-zero on constant features.
const madFloor = 1.0

// medianDeviationDetector keeps the most recent N feature vectors per device
// and scores every point by its mean normalized absolute deviation from the
// per-feature medians. The anomaly threshold is relative to the window
// itself: the score at the configured percentile of all window scores.
type medianDeviationDetector struct {
	percentile float64
	windowSize int
	window     [][model.MetricCount]float64
}

func newMedianDeviationDetector(windowSize int, percentile float64) *medianDeviationDetector {
	return &medianDeviationDetector{
		percentile: percentile,
		windowSize: windowSize,
		window:     make([][model.MetricCount]float64, 0, windowSize),
	}
}

func (d *medianDeviationDetector) scoreBatch(_ context.Context, points []model.Point) []Result {
	newCount := len(points)
	for i := range points {
		d.append(points[i].Features())
	}

	results := make([]Result, 0, newCount)
	if len(d.window) < 2 {
		for i := range points {
			results = append(results, Result{Point: points[i], Detector: EngineMedianDeviation})
		}
		return results
	}

	med, mad := d.stats()

	deviations := make([]float64, len(d.window))
	for i, vec := range d.window {
		sum := 0.0
		for f := 0; f < model.MetricCount; f++ {
			sum += math.Abs(vec[f]-med[f]) / mad[f]
		}
		deviations[i] = sum / model.MetricCount
	}

	threshold := quantile(deviations, d.percentile/100)

	// the new points occupy the window's tail in arrival order
	for i := range points {
		score := deviations[len(deviations)-newCount+i]
		results = append(results, Result{
			Point:     points[i],
			Score:     score,
			IsAnomaly: score > threshold,
			Detector:  EngineMedianDeviation,
		})
	}
	return results
}

func (d *medianDeviationDetector) flush(context.Context) []Result {
	return nil
}

// warm seeds the window without producing results.
func (d *medianDeviationDetector) warm(points []model.Point) {
	for i := range points {
		d.append(points[i].Features())
	}
}

func (d *medianDeviationDetector) append(vec [model.MetricCount]float64) {
	if len(d.window) == d.windowSize {
		copy(d.window, d.window[1:])
		d.window[len(d.window)-1] = vec
		return
	}
	d.window = append(d.window, vec)
}

// stats computes per-feature median and MAD over the window.
func (d *medianDeviationDetector) stats() (med, mad [model.MetricCount]float64) {
	scratch := make([]float64, len(d.window))
	for f := 0; f < model.MetricCount; f++ {
		for i, vec := range d.window {
			scratch[i] = vec[f]
		}
		med[f] = median(scratch)
		for i, vec := range d.window {
			scratch[i] = math.Abs(vec[f] - med[f])
		}
		mad[f] = math.Max(median(scratch), madFloor)
	}
	return med, mad
}

// median sorts xs in place.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// quantile returns the q-th quantile (0..1) with linear interpolation,
// sorting a copy of xs.
func quantile(xs []float64, q float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

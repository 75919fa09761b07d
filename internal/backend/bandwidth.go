package backend

import (
	"math"
	"sync"
	"time"

	"github.com/jmylchreest/playarr/internal/models"
)

const (
	// DefaultFastHalfLife weights recent fragment downloads.
	DefaultFastHalfLife = 3 * time.Second
	// DefaultSlowHalfLife smooths over longer history.
	DefaultSlowHalfLife = 9 * time.Second
	// DefaultBandwidthSafety is the fraction of the estimate a level may use.
	DefaultBandwidthSafety = 0.8
	// minSampleBytes ignores tiny downloads whose timing is mostly latency.
	minSampleBytes = 16 * 1024
)

// ewma is an exponentially weighted moving average keyed on sample duration.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife time.Duration) ewma {
	return ewma{alpha: math.Exp(math.Log(0.5) / halfLife.Seconds())}
}

func (e *ewma) sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

func (e *ewma) value() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	if zeroFactor <= 0 {
		return 0
	}
	return e.estimate / zeroFactor
}

// BandwidthEstimator tracks download throughput for bitrate adaptation. It
// keeps a fast and a slow average and reports the more pessimistic one.
type BandwidthEstimator struct {
	mu      sync.Mutex
	fast    ewma
	slow    ewma
	samples int
	safety  float64
}

// NewBandwidthEstimator creates an estimator with default half-lives.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{
		fast:   newEWMA(DefaultFastHalfLife),
		slow:   newEWMA(DefaultSlowHalfLife),
		safety: DefaultBandwidthSafety,
	}
}

// Sample records a download of n bytes that took elapsed.
func (b *BandwidthEstimator) Sample(n int, elapsed time.Duration) {
	if n < minSampleBytes || elapsed <= 0 {
		return
	}
	seconds := elapsed.Seconds()
	bps := float64(n) * 8 / seconds

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast.sample(seconds, bps)
	b.slow.sample(seconds, bps)
	b.samples++
}

// Estimate returns the throughput estimate in bits per second. ok is false
// until a usable sample has been recorded.
func (b *BandwidthEstimator) Estimate() (bps float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.samples == 0 {
		return 0, false
	}
	return math.Min(b.fast.value(), b.slow.value()), true
}

// Choose returns the index of the highest-bitrate level that fits within the
// safe share of the estimate. Without an estimate it picks the lowest bitrate.
func (b *BandwidthEstimator) Choose(levels []models.QualityLevel) int {
	if len(levels) == 0 {
		return 0
	}

	lowest := levels[0]
	for _, l := range levels[1:] {
		if l.BitrateBps < lowest.BitrateBps {
			lowest = l
		}
	}

	estimate, ok := b.Estimate()
	if !ok {
		return lowest.Index
	}

	budget := estimate * b.safety
	best := lowest
	for _, l := range levels {
		if float64(l.BitrateBps) <= budget && l.BitrateBps > best.BitrateBps {
			best = l
		}
	}
	return best.Index
}

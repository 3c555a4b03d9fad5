package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeProvider struct {
	samples []Sample
	i       int
	stalled bool
}

func (f *fakeProvider) Collect() (Sample, error) {
	if f.i >= len(f.samples) {
		return f.samples[len(f.samples)-1], nil
	}
	s := f.samples[f.i]
	f.i++
	return s, nil
}

func (f *fakeProvider) IsStalled(thresholdSeconds int) bool { return f.stalled }

func newRegistry() *Registry {
	return NewRegistry(zap.NewNop(), nil)
}

func TestEfficiencyDefaultsWithFewSamples(t *testing.T) {
	r := newRegistry()
	r.RegisterProvider("t1", &fakeProvider{samples: []Sample{{}}})
	r.Collect(context.Background(), "t1")
	assert.Equal(t, 50.0, r.Efficiency("t1"))
}

func TestEfficiencyWeighting(t *testing.T) {
	r := newRegistry()
	r.RegisterProvider("t1", &fakeProvider{samples: []Sample{
		{ExecutionsPerSecond: 0, TotalPaths: 0, UniqueCrashes: 0, StabilityPercent: 100},
		{ExecutionsPerSecond: 2000, TotalPaths: 20, UniqueCrashes: 5, StabilityPercent: 100},
	}})
	r.Collect(context.Background(), "t1")
	r.Collect(context.Background(), "t1")

	eff := r.Efficiency("t1")
	assert.Equal(t, 100.0, eff) // every component saturates at its cap
}

func TestShouldPrioritizeNewTask(t *testing.T) {
	r := newRegistry()
	r.RegisterProvider("t1", &fakeProvider{samples: []Sample{{}}})
	r.Collect(context.Background(), "t1")
	assert.True(t, r.ShouldPrioritize("t1"))
}

func TestShouldPrioritizeStalled(t *testing.T) {
	r := newRegistry()
	prov := &fakeProvider{stalled: true, samples: make([]Sample, 6)}
	r.RegisterProvider("t1", prov)
	for i := range prov.samples {
		prov.samples[i] = Sample{TotalPaths: 0, UniqueCrashes: 0}
	}
	for i := 0; i < 6; i++ {
		r.Collect(context.Background(), "t1")
	}
	assert.False(t, r.ShouldPrioritize("t1"))
}

func TestTopN(t *testing.T) {
	r := newRegistry()
	r.RegisterProvider("low", &fakeProvider{samples: []Sample{{}, {UniqueCrashes: 0}}})
	r.RegisterProvider("high", &fakeProvider{samples: []Sample{{}, {UniqueCrashes: 5, StabilityPercent: 100}}})
	r.Collect(context.Background(), "low")
	r.Collect(context.Background(), "low")
	r.Collect(context.Background(), "high")
	r.Collect(context.Background(), "high")

	top := r.TopN(1)
	assert.Len(t, top, 1)
	assert.Equal(t, "high", top[0].TaskID)
}

func TestUnknownTaskIsNotStalled(t *testing.T) {
	r := newRegistry()
	assert.False(t, r.IsStalled("nope", 60))
}

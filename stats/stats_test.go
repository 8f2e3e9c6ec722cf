package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	assert.Equal(t, 8.0, s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	assert.InDelta(t, 2.138, s.StdDev, 1e-3)
	assert.Equal(t, "5.00±2.14", s.Format(2))
}

func TestAverageSingle(t *testing.T) {
	var s Average
	s.Add(0.96)
	assert.Equal(t, "0.960", s.Format(3))
}

func TestEMA(t *testing.T) {
	var e EMA
	v := e.Add(10, 9)
	assert.Equal(t, 10.0, v)
	v = EMA(v).Add(20, 9)
	assert.InDelta(t, 12.0, v, 1e-9)
}

package biz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tripCircuit(r *CircuitRegistry, modelID string) {
	b := r.Get(modelID)
	for i := 0; i < r.cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
}

func TestModelRotator_PrefersPrimary(t *testing.T) {
	r := newTestRegistry(nil, nil)
	rot := NewModelRotator("primary", []string{"b1", "b2"}, r)

	for i := 0; i < 3; i++ {
		m, ok := rot.NextAvailable()
		assert.True(t, ok)
		assert.Equal(t, "primary", m)
	}
}

func TestModelRotator_RoundRobinsBackups(t *testing.T) {
	r := newTestRegistry(nil, nil)
	tripCircuit(r, "primary")
	rot := NewModelRotator("primary", []string{"b1", "b2", "b3"}, r)

	var got []string
	for i := 0; i < 4; i++ {
		m, ok := rot.NextAvailable()
		assert.True(t, ok)
		got = append(got, m)
	}
	assert.Equal(t, []string{"b1", "b2", "b3", "b1"}, got)

	tripCircuit(r, "b2")
	m, _ := rot.NextAvailable()
	assert.Equal(t, "b3", m, "b2 is skipped")
}

func TestModelRotator_AllOpen(t *testing.T) {
	r := newTestRegistry(nil, nil)
	for _, m := range []string{"primary", "b1"} {
		tripCircuit(r, m)
	}
	rot := NewModelRotator("primary", []string{"b1"}, r)

	m, ok := rot.NextAvailable()
	assert.False(t, ok)
	assert.Empty(t, m)

	none := NewModelRotator("primary", nil, r)
	_, ok = none.NextAvailable()
	assert.False(t, ok)
}

func TestModelRotator_CleansBackups(t *testing.T) {
	rot := NewModelRotator("primary", []string{"b1", " ", "primary", "b1", "b2"}, newTestRegistry(nil, nil))
	assert.Equal(t, []string{"primary", "b1", "b2"}, rot.Models())
}

func TestModelRotator_SharesCircuits(t *testing.T) {
	r := newTestRegistry(nil, nil)
	a := NewModelRotator("shared", []string{"x"}, r)
	b := NewModelRotator("other", []string{"shared"}, r)
	tripCircuit(r, "other")

	m, ok := b.NextAvailable()
	assert.True(t, ok)
	assert.Equal(t, "shared", m)

	// failures recorded through a open the circuit b rotates onto
	a.RecordFailure("shared")
	a.RecordFailure("shared")
	_, ok = b.NextAvailable()
	assert.False(t, ok)
}

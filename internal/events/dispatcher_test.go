package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
)

func TestEmitFansOutToAllListeners(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var first, second []string
	d.Subscribe(func(out domain.Outcome) { first = append(first, out.JobID) })
	d.Subscribe(func(out domain.Outcome) { second = append(second, out.JobID) })

	d.Emit(domain.Outcome{JobID: "j1", Status: domain.Succeeded})
	d.Emit(domain.Outcome{JobID: "j2", Status: domain.Dead})

	assert.Equal(t, []string{"j1", "j2"}, first)
	assert.Equal(t, []string{"j1", "j2"}, second)
}

func TestListenerPanicIsIsolated(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var delivered bool
	d.Subscribe(func(domain.Outcome) { panic("listener bug") })
	d.Subscribe(func(domain.Outcome) { delivered = true })

	assert.NotPanics(t, func() {
		d.Emit(domain.Outcome{JobID: "j1", Status: domain.Succeeded})
	})
	assert.True(t, delivered, "a failing listener must not block the others")
}

func TestEmitWithoutListeners(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	assert.NotPanics(t, func() {
		d.Emit(domain.Outcome{JobID: "j1", Status: domain.Succeeded})
	})
}

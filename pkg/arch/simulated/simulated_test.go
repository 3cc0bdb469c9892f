package simulated_test

import (
	"sync"
	"testing"
	"time"

	"github.com/quarkkern/quark/pkg/arch"
	"github.com/quarkkern/quark/pkg/arch/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTASReportsPriorState(t *testing.T) {
	a := simulated.New()
	var word uint32

	wasSet := a.TAS(&word)
	assert.False(t, wasSet)

	wasSet = a.TAS(&word)
	assert.True(t, wasSet)
}

func TestEnableDisableInterruptsDoesNotPanic(t *testing.T) {
	a := simulated.New()
	assert.NotPanics(t, func() {
		a.DisableInterrupts()
		a.EnableInterrupts()
	})
}

func TestSwitchProcessHandsOffBetweenGoroutines(t *testing.T) {
	a := simulated.New()
	var mu sync.Mutex
	var order []string

	var ctxA, ctxB arch.Context
	done := make(chan struct{})

	ctxA, _ = a.ProcInit(func(arg any) {
		mu.Lock()
		order = append(order, "A-start")
		mu.Unlock()
		a.SwitchProcess(ctxA, ctxB)
		mu.Lock()
		order = append(order, "A-resumed")
		mu.Unlock()
		close(done)
	}, nil, nil, nil, true)

	ctxB, _ = a.ProcInit(func(arg any) {
		mu.Lock()
		order = append(order, "B-start")
		mu.Unlock()
		a.SwitchProcess(ctxB, ctxA)
	}, nil, nil, nil, true)

	a.SwitchProcess(nil, ctxA)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handoff to complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A-start", "B-start", "A-resumed"}, order)
}

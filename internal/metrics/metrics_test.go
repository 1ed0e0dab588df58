package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second Register must be a no-op, not an AlreadyRegisteredError")

	IncLaunchStarted("s1")
	IncLaunchRetried("s1")
	IncLaunchFailed("s1")
	RecordStateTransition("s1", "requested-launch", "resumed")
	SetActiveSlaves(2)
	IncFaultAttribution("secured")
	IncTTLExpiry("s1")
	SetBulkQuiesceDepth(1)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	wantNames := map[string]bool{
		"slaved_supervisor_launches_started_total":   false,
		"slaved_supervisor_launches_retried_total":   false,
		"slaved_supervisor_launches_failed_total":    false,
		"slaved_supervisor_state_transitions_total":  false,
		"slaved_supervisor_active_slaves":             false,
		"slaved_fault_attributions_total":             false,
		"slaved_timer_ttl_expiries_total":             false,
		"slaved_supervisor_bulk_quiesce_depth":        false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
		}
	}
	for name, seen := range wantNames {
		require.True(t, seen, "expected metric %s to be registered and gathered", name)
	}
}

func TestHelpersNoOpBeforeRegister(t *testing.T) {
	regOK.Store(false)
	require.NotPanics(t, func() {
		IncLaunchStarted("x")
		SetActiveSlaves(5)
	})
}

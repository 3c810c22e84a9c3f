package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/reconcile"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", usagef("bad"), ExitUsage},
		{"validation", awerrors.New(awerrors.KindValidation, "bad state"), ExitUsage},
		{"not found", awerrors.New(awerrors.KindNotFound, "missing"), ExitNotFound},
		{"permission", awerrors.New(awerrors.KindPermission, "denied"), ExitPermission},
		{"storage", awerrors.New(awerrors.KindStorage, "disk full"), ExitStorage},
		{"unavailable", awerrors.New(awerrors.KindUnavailable, "down"), ExitUnavailable},
		{"timeout", awerrors.New(awerrors.KindTimeout, "slow"), ExitUnavailable},
		{"wrapped", fmt.Errorf("block: %w", awerrors.New(awerrors.KindPermission, "denied")), ExitPermission},
		{"plain", fmt.Errorf("boom"), ExitFailure},
		{"partial", &PartialError{Report: reconcile.Report{Aborted: true}}, ExitPartial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestPartial(t *testing.T) {
	assert.NoError(t, partial(reconcile.Report{ID: "x"}))

	rep := reconcile.Report{Failed: []reconcile.Failure{{Path: "/a", Op: reconcile.OpApply, Err: awerrors.New(awerrors.KindUnavailable, "busy")}}}
	err := partial(rep)
	assert.Equal(t, ExitPartial, ExitCode(err))
	assert.Contains(t, err.Error(), "1 enforcement operations failed")
}

package cmd

import (
	"fmt"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/reconcile"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotFound    = 3
	ExitPermission  = 4
	ExitStorage     = 5
	ExitUnavailable = 6
	ExitPartial     = 7
)

// UsageError is a malformed command line.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// PartialError reports a pass in which some enforcement operations failed.
type PartialError struct {
	Report reconcile.Report
}

func (e *PartialError) Error() string {
	if err := e.Report.Err(); err != nil {
		return fmt.Sprintf("%d enforcement operations failed: %v", len(e.Report.Failed), err)
	}
	return "reconciliation did not complete"
}

// partial returns a PartialError when rep did not fully succeed.
func partial(rep reconcile.Report) error {
	if rep.OK() {
		return nil
	}
	return &PartialError{Report: rep}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue *UsageError
	if awerrors.As(err, &ue) {
		return ExitUsage
	}
	var pe *PartialError
	if awerrors.As(err, &pe) {
		return ExitPartial
	}
	switch awerrors.GetKind(err) {
	case awerrors.KindNotFound:
		return ExitNotFound
	case awerrors.KindPermission:
		return ExitPermission
	case awerrors.KindStorage:
		return ExitStorage
	case awerrors.KindUnavailable, awerrors.KindTimeout:
		return ExitUnavailable
	case awerrors.KindValidation:
		return ExitUsage
	default:
		return ExitFailure
	}
}

// Package action defines the closed vocabulary of remediation actions.
//
// Every action the agent can take maps to an opaque runbook executed by
// the remedy runner. The vocabulary is closed on purpose: an action name
// that is not in this set is a load-time error, never a silently ignored
// runtime no-op.
package action

import "fmt"

// Action identifies one approved remediation runbook.
type Action string

const (
	RestartService    Action = "restart_service"
	RestoreConfig     Action = "restore_config"
	EnableFirewall    Action = "enable_firewall"
	ReapplyBaseline   Action = "reapply_baseline"
	RotateCredentials Action = "rotate_credentials"
	KillProcess       Action = "kill_process"
	RemountReadOnly   Action = "remount_readonly"
	QuarantineFile    Action = "quarantine_file"
	ResyncTime        Action = "resync_time"
	NoOp              Action = "noop"
)

// All returns the complete action vocabulary in a stable order.
func All() []Action {
	return []Action{
		RestartService,
		RestoreConfig,
		EnableFirewall,
		ReapplyBaseline,
		RotateCredentials,
		KillProcess,
		RemountReadOnly,
		QuarantineFile,
		ResyncTime,
		NoOp,
	}
}

// Parse converts a string to an Action, rejecting anything outside the
// vocabulary.
func Parse(s string) (Action, error) {
	for _, a := range All() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Valid reports whether a is in the vocabulary.
func Valid(a Action) bool {
	_, err := Parse(string(a))
	return err == nil
}

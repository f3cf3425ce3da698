// Package swarm implements the agent roles of the orchestration layer:
// Manager (map/dispatch/reduce/verify), Technician (plan/execute/
// reflect), Judge (verdict loop), and Janitor (dead-letter consumer).
// All roles mutate shared state exclusively through the event bus.
package swarm

import (
	"encoding/json"
	"fmt"
)

const loopWindow = 3

const loopAlert = "SYSTEM ALERT: You have called this tool with these exact arguments %d times in a row. " +
	"The approach is not working. Change your strategy: use a different tool, different arguments, " +
	"or conclude with what you have."

// loopDetector tracks recent (tool, canonicalized args) signatures in a
// ReAct loop. When the last three are identical the call is suppressed
// and the caller injects a strategy-change alert instead of executing.
type loopDetector struct {
	sigs []string
}

// Observe records a tool call and reports whether it must be
// suppressed. encoding/json sorts map keys, so equal argument maps
// canonicalize to equal signatures regardless of insertion order.
func (d *loopDetector) Observe(tool string, args map[string]any) bool {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	sig := tool + "|" + string(raw)

	d.sigs = append(d.sigs, sig)
	if len(d.sigs) > loopWindow {
		d.sigs = d.sigs[1:]
	}
	if len(d.sigs) < loopWindow {
		return false
	}
	for _, s := range d.sigs {
		if s != sig {
			return false
		}
	}
	return true
}

// Reset clears the history, used after a suppressed call so the agent
// gets a full window to try something new.
func (d *loopDetector) Reset() {
	d.sigs = d.sigs[:0]
}

func loopAlertMessage() string {
	return fmt.Sprintf(loopAlert, loopWindow)
}

package planner

import (
	"fmt"
	"strings"
	"sync"
)

const (
	maxSigHistory  = 10
	repeatThresh   = 3
	noActionWindow = 5
	noActionThresh = 4
)

// loopDetector tracks recent per-iteration action signatures to notice when
// the agent is repeating itself or has stalled out doing nothing.
type loopDetector struct {
	mu   sync.Mutex
	sigs []string
}

func newLoopDetector() *loopDetector {
	return &loopDetector{}
}

func actionSignature(actions []Action) string {
	if len(actions) == 0 {
		return "no_actions"
	}
	n := len(actions)
	if n > 5 {
		n = 5
	}
	parts := make([]string, 0, n)
	for _, a := range actions[:n] {
		if path, ok := a.Parameters["path"].(string); ok && path != "" {
			parts = append(parts, fmt.Sprintf("%s:%s", a.Tool, path))
		} else {
			parts = append(parts, a.Tool)
		}
	}
	return strings.Join(parts, "|")
}

// record stores this iteration's action signature, evicting the oldest
// entry once history exceeds maxSigHistory.
func (d *loopDetector) record(actions []Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sigs = append(d.sigs, actionSignature(actions))
	if len(d.sigs) > maxSigHistory {
		d.sigs = d.sigs[1:]
	}
}

// check returns a non-empty warning if the last repeatThresh iterations
// produced the identical non-empty action signature, or if noActionThresh
// of the last noActionWindow iterations did nothing at all.
func (d *loopDetector) check() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sigs) >= repeatThresh {
		recent := d.sigs[len(d.sigs)-repeatThresh:]
		allSame := true
		for _, s := range recent[1:] {
			if s != recent[0] {
				allSame = false
				break
			}
		}
		if allSame && recent[0] != "no_actions" {
			return fmt.Sprintf(
				"You have produced the same action pattern (%s) for the last %d iterations. "+
					"You are stuck in a loop. STOP doing the same thing. Try a completely different approach: "+
					"use a higher-tier tool for complex changes, check whether the target already exists before "+
					"writing it again, update your goals to reflect real progress, or set a long sleep and wait "+
					"for creator guidance.",
				recent[0], repeatThresh,
			)
		}
	}

	window := d.sigs
	if len(window) > noActionWindow {
		window = window[len(window)-noActionWindow:]
	}
	noActionCount := 0
	for _, s := range window {
		if s == "no_actions" {
			noActionCount++
		}
	}
	if noActionCount >= noActionThresh {
		return "You've had no actions for several iterations in a row. Use your free-tier models to stay " +
			"productive: improve your own code, build a new tool, research something useful, or work on your " +
			"goals. If you genuinely have no goals, create some."
	}

	return ""
}

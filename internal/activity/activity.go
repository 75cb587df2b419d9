// Package activity maps lifecycle hook events to coarse session
// activity states.
package activity

import "strings"

// State mirrors session.ActivityState without importing it; the two
// packages stay independent so the engine remains a pure function.
type State string

const (
	Idle   State = "idle"
	Busy   State = "busy"
	Exited State = "exited"
)

// normalize lowercases an event name and strips separators so that
// "PreToolUse", "pre-tool-use" and "pre_tool" all compare equal.
func normalize(event string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(event) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ForEvent returns the target state for a lifecycle event. Unknown
// events map to Busy: a hook firing at all means the agent is doing
// something.
func ForEvent(event string) State {
	e := normalize(event)
	switch {
	case strings.HasPrefix(e, "pretool"), strings.HasPrefix(e, "posttool"):
		return Busy
	case e == "userpromptsubmit", e == "promptsubmitted":
		return Busy
	case e == "notification", e == "stop", e == "subagentstop", e == "responsefinished":
		return Idle
	case e == "sessionend", e == "sessionended":
		return Exited
	default:
		return Busy
	}
}

// Update is a resolved hook event ready to apply to the registry.
type Update struct {
	State State
	Event string
	Tool  string
}

// Hook is an inbound lifecycle event as posted by the hook script.
// SessionID, when present, is authoritative; Cwd is only consulted
// when no explicit identifier was given.
type Hook struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Tool      string `json:"tool"`
}

// Target describes which sessions a hook applies to.
type Target struct {
	// SessionID is set when the hook named a session explicitly.
	SessionID string
	// Cwd is set only when no explicit identifier was present.
	Cwd string
}

// Resolve validates a hook and decides its target. A hook carrying
// both an id and a cwd targets the id alone; one directory can host
// several unrelated sessions, so the hint is discarded. A hook with
// neither is invalid.
func Resolve(h Hook) (Target, Update, bool) {
	upd := Update{State: ForEvent(h.Event), Event: h.Event, Tool: h.Tool}
	if h.SessionID != "" {
		return Target{SessionID: h.SessionID}, upd, true
	}
	if h.Cwd != "" {
		return Target{Cwd: h.Cwd}, upd, true
	}
	return Target{}, Update{}, false
}

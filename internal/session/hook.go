package session

import (
	"fmt"

	"termbridge/internal/activity"
)

func toActivityState(s activity.State) ActivityState {
	switch s {
	case activity.Idle:
		return ActivityIdle
	case activity.Exited:
		return ActivityExited
	default:
		return ActivityBusy
	}
}

// ApplyHook routes a lifecycle hook to its target sessions and
// returns the names it updated. An explicit session id is
// authoritative; the cwd hint only matters when no id was given, in
// which case every running session under that directory is updated.
func (r *Registry) ApplyHook(h activity.Hook) ([]string, error) {
	target, upd, ok := activity.Resolve(h)
	if !ok {
		return nil, fmt.Errorf("%w: hook carries neither session id nor cwd", ErrInvalidInput)
	}
	state := toActivityState(upd.State)

	if target.SessionID != "" {
		if err := r.SetActivityState(target.SessionID, state, upd.Event, upd.Tool); err != nil {
			return nil, err
		}
		return []string{target.SessionID}, nil
	}

	var applied []string
	for _, name := range r.FindByCwd(target.Cwd) {
		if err := r.SetActivityState(name, state, upd.Event, upd.Tool); err == nil {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

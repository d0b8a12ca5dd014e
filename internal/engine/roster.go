package engine

import (
	"mfcpay/internal/core"
)

// roster checks instructors named in attendance against the coach list.
type roster struct {
	byName map[string]core.Coach
	ids    map[string]string
}

func newRoster(coaches []core.Coach) *roster {
	r := &roster{byName: make(map[string]core.Coach), ids: make(map[string]string)}
	for _, c := range coaches {
		key := core.Fold(c.Name)
		if key == "" {
			continue
		}
		r.byName[key] = c
		if c.ID != "" {
			r.ids[key] = c.ID
		}
	}
	return r
}

// check reports credited coaches that are unknown or inactive. An empty
// roster checks nothing.
func (r *roster) check(credited map[string]*coachInfo) []core.Exception {
	if len(r.byName) == 0 {
		return nil
	}
	var out []core.Exception
	for key, info := range credited {
		c, ok := r.byName[key]
		switch {
		case !ok:
			out = append(out, core.Exception{
				Kind:   core.ExceptionUnknownCoach,
				Ref:    info.name,
				Reason: "instructor not in coach roster",
			})
		case !c.Active:
			out = append(out, core.Exception{
				Kind:   core.ExceptionInactiveCoach,
				Ref:    info.name,
				Reason: "instructor flagged inactive",
			})
		}
	}
	return out
}

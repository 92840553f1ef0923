package gatekeeper

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/skia-dev/glog"

	"go.chromium.org/gatekeeper/go/buildbot"
	"go.chromium.org/gatekeeper/go/builddb"
)

// commitPositionRe matches "refs/heads/main@{#12345}" style commit
// positions; the numeric part is what gets compared.
var commitPositionRe = regexp.MustCompile(`(.*)@\{#(\d+)\}`)

// RevisionGate suppresses firings for builds at or behind the newest
// revision a firing has already acted on, so that a slow builder cannot
// re-close the tree for a failure the sheriffs already handled.
type RevisionGate struct {
	// Props is the ordered list of build properties forming the revision
	// tuple. Empty disables the gate: every firing passes.
	Props []string
}

// propString renders a single property value for comparison. Numeric JSON
// values arrive as float64; integral ones are printed without a fraction.
func propString(v interface{}) string {
	switch t := v.(type) {
	case string:
		if m := commitPositionRe.FindStringSubmatch(t); m != nil {
			return m[2]
		}
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Tuple extracts the build's revision tuple. The bool is false when the
// build is missing one of the properties.
func (g *RevisionGate) Tuple(build *buildbot.Build) (map[string]string, bool) {
	if len(g.Props) == 0 {
		return nil, false
	}
	rv := map[string]string{}
	complete := true
	for _, p := range g.Props {
		v, ok := build.Property(p)
		if !ok || v == nil {
			complete = false
			continue
		}
		rv[p] = propString(v)
	}
	return rv, complete
}

// greater compares two tuple values; both-numeric compares numerically,
// otherwise lexically.
func greater(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a > b
}

// tupleGreater reports whether a > b under the ordered property list, i.e.
// lexicographic comparison over the tuple.
func (g *RevisionGate) tupleGreater(a, b map[string]string) bool {
	for _, p := range g.Props {
		av, bv := a[p], b[p]
		if av == bv {
			continue
		}
		return greater(av, bv)
	}
	return false
}

// stored returns the persisted winning tuple, resetting it when its key set
// no longer matches the configured properties.
func (g *RevisionGate) stored(aux *builddb.Aux) map[string]string {
	t := aux.TriggeredRevisions
	if len(t) != len(g.Props) {
		return nil
	}
	for _, p := range g.Props {
		if _, ok := t[p]; !ok {
			return nil
		}
	}
	return t
}

// Apply marks each failure's GatePassed and Revisions fields, and advances
// the persisted winning tuple to the largest accepted one. With no
// configured properties everything passes and nothing is persisted.
func (g *RevisionGate) Apply(aux *builddb.Aux, failures []*Failure) {
	if len(g.Props) == 0 {
		for _, f := range failures {
			f.GatePassed = true
		}
		return
	}

	stored := g.stored(aux)
	reset := stored == nil
	empty := false
	if !reset {
		for _, p := range g.Props {
			if stored[p] == "" {
				empty = true
			}
		}
	}

	var winner map[string]string
	for _, f := range failures {
		tuple, complete := g.Tuple(f.Build)
		f.Revisions = tuple
		if len(f.New) == 0 {
			// Already triggered; nothing will act, so the tuple must not
			// advance on its account.
			continue
		}
		if !complete {
			if reset || empty {
				// No baseline to compare against yet; let it through,
				// though it cannot advance the watermark.
				f.GatePassed = true
				continue
			}
			// A build that cannot be ordered loses the gate.
			glog.Warningf("Build %s missing revision properties %v; suppressing.", f.Build.URL(), g.Props)
			continue
		}
		if reset || empty || g.tupleGreater(tuple, stored) {
			f.GatePassed = true
			if winner == nil || g.tupleGreater(tuple, winner) {
				winner = tuple
			}
		} else {
			glog.Infof("Failure on %s at %v suppressed: not newer than %v.", f.Build.URL(), tuple, stored)
		}
	}

	if winner != nil {
		aux.TriggeredRevisions = winner
	} else if reset && aux.TriggeredRevisions != nil {
		// The stored tuple's keys no longer match the tracked properties;
		// discard it. A fresh baseline appears when a firing next acts.
		aux.TriggeredRevisions = nil
	}
}

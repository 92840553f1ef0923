package gatekeeper

import (
	"sort"

	"github.com/skia-dev/glog"

	"go.chromium.org/gatekeeper/go/buildbot"
	"go.chromium.org/gatekeeper/go/builddb"
	"go.chromium.org/gatekeeper/go/config"
)

/*
	The section evaluator: turns one (build, section) pair into the set of
	unsatisfied step names, and tracks poll-wide success information used by
	the auto-reopen logic.
*/

// OverallBuildStatus is the pseudo-step recorded when a section fires on the
// overall build result rather than a specific step.
const OverallBuildStatus = "[overall build status]"

// Failure describes one firing of a section for a build.
type Failure struct {
	MasterURL   string
	Project     buildbot.Project
	Build       *buildbot.Build
	Section     *config.Section
	SectionHash string

	// Unsatisfied is the full set of firing step names, in build order.
	Unsatisfied []string

	// New is the subset of Unsatisfied not already recorded for this
	// section in the build's record; empty means the section does not fire
	// this poll.
	New []string

	// Blaming is true when the firing notifies the build's blamelist in
	// addition to sheriffs and watchers.
	Blaming bool

	// GatePassed is set by the revision gate.
	GatePassed bool

	// Revisions is the build's revision tuple under the configured
	// revision properties. Nil when revision tracking is off.
	Revisions map[string]string
}

func toSet(names []string) map[string]bool {
	rv := make(map[string]bool, len(names))
	for _, n := range names {
		rv[n] = true
	}
	return rv
}

func subtract(set, remove map[string]bool) map[string]bool {
	rv := map[string]bool{}
	for n := range set {
		if !remove[n] {
			rv[n] = true
		}
	}
	return rv
}

func union(a, b map[string]bool) map[string]bool {
	rv := map[string]bool{}
	for n := range a {
		rv[n] = true
	}
	for n := range b {
		rv[n] = true
	}
	return rv
}

// stepClasses is a section's step-name sets with exclusions and the star
// expansion already resolved against a concrete build.
type stepClasses struct {
	closing    map[string]bool // mandatory: absence from a finished build fires
	closingOpt map[string]bool // optional: only a concrete failure fires
	forgiving  map[string]bool // all steps whose firing does not blame
}

func resolveClasses(sec *config.Section, finishedSteps map[string]bool) stepClasses {
	excluded := toSet(sec.ExcludedSteps)
	forgiving := subtract(toSet(sec.ForgivingSteps), excluded)
	forgivingOpt := subtract(toSet(sec.ForgivingOptional), excluded)
	closing := subtract(union(toSet(sec.ClosingSteps), forgiving), excluded)
	closingOpt := subtract(union(toSet(sec.ClosingOptional), forgivingOpt), excluded)

	// The star only applies to optional classes: firing on the absence of
	// "every step" is meaningless.
	if forgivingOpt[config.StarBuilder] {
		forgivingOpt = subtract(finishedSteps, excluded)
	}
	if closingOpt[config.StarBuilder] {
		closingOpt = subtract(finishedSteps, excluded)
	}

	return stepClasses{
		closing:    closing,
		closingOpt: closingOpt,
		forgiving:  union(forgiving, forgivingOpt),
	}
}

// unsatisfiedSteps classifies the build's steps against the section and
// returns the set of firing step names plus the forgiving set used for the
// blame decision.
func unsatisfiedSteps(build *buildbot.Build, sec *config.Section) (map[string]bool, map[string]bool) {
	finished := map[string]bool{}
	successful := map[string]bool{}
	for _, s := range build.Steps {
		if !s.IsFinished {
			continue
		}
		finished[s.Name] = true
		// EXCEPTION and RETRY indicate infrastructure state, not a
		// regression; they count as non-firing along with SUCCESS,
		// WARNINGS and SKIPPED.
		if s.Results() != buildbot.FAILURE {
			successful[s.Name] = true
		}
	}

	classes := resolveClasses(sec, finished)

	unsatisfied := subtract(classes.closing, successful)
	failedOptional := map[string]bool{}
	for name := range finished {
		if !successful[name] && classes.closingOpt[name] {
			failedOptional[name] = true
		}
	}
	unsatisfied = union(unsatisfied, failedOptional)

	// An unfinished build is not penalized for steps that have not run yet.
	if !build.Finished() {
		filtered := map[string]bool{}
		for name := range unsatisfied {
			if finished[name] {
				filtered[name] = true
			}
		}
		unsatisfied = filtered
	}

	forgiving := classes.forgiving
	if len(unsatisfied) == 0 && build.Finished() && build.Results() == buildbot.FAILURE && sec.RespectBuildStatus {
		unsatisfied = map[string]bool{OverallBuildStatus: true}
		forgiving = union(forgiving, map[string]bool{OverallBuildStatus: true})
	}
	return unsatisfied, forgiving
}

// orderSteps orders the given step names as they appear in the build, with
// names absent from the build (unrun mandatory steps, the overall-status
// pseudo-step) appended afterwards in sorted order.
func orderSteps(build *buildbot.Build, names map[string]bool) []string {
	rv := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, s := range build.Steps {
		if names[s.Name] && !seen[s.Name] {
			rv = append(rv, s.Name)
			seen[s.Name] = true
		}
	}
	absent := []string{}
	for name := range names {
		if !seen[name] {
			absent = append(absent, name)
		}
	}
	sort.Strings(absent)
	return append(rv, absent...)
}

// successfulStepNames returns the names of the build's finished,
// non-failing steps.
func successfulStepNames(build *buildbot.Build) map[string]bool {
	rv := map[string]bool{}
	for _, s := range build.Steps {
		if s.IsFinished && s.Results() != buildbot.FAILURE {
			rv[s.Name] = true
		}
	}
	return rv
}

// evalState accumulates the results of evaluating every candidate build of a
// poll.
type evalState struct {
	// failures lists every (build, section) pair with a non-empty firing
	// set, gated or not, across all masters.
	failures []*Failure

	// successfulSteps maps master -> builder -> step names which succeeded
	// in any build seen this poll.
	successfulSteps map[string]map[string]map[string]bool

	// currentSuccessful is false when some failing step has not succeeded
	// in any newer build of the same builder this poll.
	currentSuccessful bool
}

func newEvalState() *evalState {
	return &evalState{
		successfulSteps:   map[string]map[string]map[string]bool{},
		currentSuccessful: true,
	}
}

func (s *evalState) builderSuccesses(masterURL, builder string) map[string]bool {
	if s.successfulSteps[masterURL] == nil {
		s.successfulSteps[masterURL] = map[string]map[string]bool{}
	}
	if s.successfulSteps[masterURL][builder] == nil {
		s.successfulSteps[masterURL][builder] = map[string]bool{}
	}
	return s.successfulSteps[masterURL][builder]
}

// evaluateMaster runs every candidate build of one master through every
// section group, records triggers in the db and appends firings to the eval
// state. Builds are walked in descending build-number order so that the
// still-failing check sees newer successes first; trigger recording is
// order-independent because it only consults the build's own record.
func evaluateMaster(state *evalState, db *builddb.DB, cfg config.Config, masterURL string, master *buildbot.Master, builds map[string][]*buildbot.Build) {
	builders := make([]string, 0, len(builds))
	for builder := range builds {
		builders = append(builders, builder)
	}
	sort.Strings(builders)
	for _, builder := range builders {
		builderBuilds := builds[builder]
		acc := state.builderSuccesses(masterURL, builder)
		newerGreen := false
		for i := len(builderBuilds) - 1; i >= 0; i-- {
			build := builderBuilds[i]
			rec := db.GetOrCreate(masterURL, builder, build.Number)
			if build.Finished() {
				rec.Finished = true
			}
			for name := range successfulStepNames(build) {
				acc[name] = true
			}

			failedAny := false
			for _, group := range cfg[masterURL] {
				sec := group.ForBuilder(build.Builder)
				if sec == nil {
					continue
				}
				unsatisfied, forgiving := unsatisfiedSteps(build, sec)
				if len(unsatisfied) == 0 {
					continue
				}
				failedAny = true
				ordered := orderSteps(build, unsatisfied)

				blaming := false
				newSteps := []string{}
				already := toSet(rec.Triggered[group.Hash])
				for _, name := range ordered {
					if already[name] {
						continue
					}
					newSteps = append(newSteps, name)
					if !forgiving[name] {
						blaming = true
					}
				}
				if sec.ForgiveAll {
					blaming = false
				}

				state.failures = append(state.failures, &Failure{
					MasterURL:   masterURL,
					Project:     master.Project,
					Build:       build,
					Section:     sec,
					SectionHash: group.Hash,
					Unsatisfied: ordered,
					New:         newSteps,
					Blaming:     blaming,
				})

				// If a newer build of this builder has not succeeded on
				// some firing step, the failure is not yet resolved. The
				// overall-status pseudo-step is resolved by any newer
				// green build.
				still := []string{}
				for _, name := range ordered {
					if name == OverallBuildStatus {
						if !newerGreen {
							still = append(still, name)
						}
					} else if !acc[name] {
						still = append(still, name)
					}
				}
				if len(still) > 0 {
					glog.V(1).Infof("%s on %s not yet resolved.", still, build.URL())
					state.currentSuccessful = false
				}
			}
			if rec.Finished {
				rec.Succeeded = !failedAny && build.Results() != buildbot.FAILURE
				if rec.Succeeded {
					newerGreen = true
				}
			}
		}
	}
}

// recordTriggers appends each firing's new steps to its build record,
// whether or not the revision gate later lets the firing act. Suppression is
// non-repeating: a recorded trigger never fires again.
func recordTriggers(db *builddb.DB, failures []*Failure) {
	for _, f := range failures {
		if len(f.New) == 0 {
			continue
		}
		rec := db.GetOrCreate(f.MasterURL, f.Build.Builder, f.Build.Number)
		rec.Trigger(f.SectionHash, f.New)
	}
}

package gatekeeper

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/skia-dev/glog"

	"go.chromium.org/gatekeeper/go/buildbot"
	"go.chromium.org/gatekeeper/go/builddb"
	"go.chromium.org/gatekeeper/go/config"
	"go.chromium.org/gatekeeper/go/treestatus"
)

// Options configures a single poll.
type Options struct {
	Config  config.Config
	Masters []string

	Client *http.Client

	// Status is the tree status endpoint; nil or SetStatus=false means
	// planned status changes are logged but not sent.
	Status    *treestatus.Client
	SetStatus bool
	OpenTree  bool

	Notifier *Notifier
	Gate     *RevisionGate

	BuildDBPath       string
	ClearBuildDB      bool
	SyncBuildDBOnly   bool
	SkipBuildDBUpdate bool

	Emoji []string

	// Parallelism bounds concurrent build fetches per master.
	Parallelism int
}

// checkMasters verifies that every master to poll appears in the config.
func checkMasters(cfg config.Config, masters []string) error {
	missing := []string{}
	for _, m := range masters {
		if _, ok := cfg[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("Masters not present in the gatekeeper config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// saveDB persists the db unless updates are disabled, pruning builders no
// longer covered by the config.
func saveDB(opts *Options, db *builddb.DB) error {
	if opts.SkipBuildDBUpdate {
		glog.Infof("Skipping build db update.")
		return nil
	}
	return builddb.Save(opts.BuildDBPath, db, func(master, builder string) bool {
		return opts.Config.CoversBuilder(master, builder)
	})
}

// Poll runs one gatekeeper cycle: fetch the masters, evaluate every
// candidate build against the config, email about new failures, and close or
// reopen the tree as warranted. The build db is saved before any status
// change so that a crash cannot replay a closure, and once more afterwards to
// record the closure itself.
func Poll(ctx context.Context, opts *Options) error {
	if err := checkMasters(opts.Config, opts.Masters); err != nil {
		return err
	}

	var db *builddb.DB
	if opts.ClearBuildDB {
		db = builddb.New()
	} else {
		db = builddb.Load(opts.BuildDBPath)
	}

	var fetchErrs error
	masters := map[string]*buildbot.Master{}
	builds := map[string]map[string][]*buildbot.Build{}
	for _, masterURL := range opts.Masters {
		m, err := buildbot.FetchMaster(ctx, opts.Client, masterURL)
		if err != nil {
			fetchErrs = multierror.Append(fetchErrs, err)
			glog.Errorf("Skipping master this poll: %s", err)
			continue
		}
		known := make([]string, 0, len(m.Builders))
		for name := range m.Builders {
			known = append(known, name)
		}
		covered := opts.Config.BuilderNames(masterURL, known)
		needsFetch := func(builder string, num int) bool {
			rec := db.Get(masterURL, builder, num)
			return rec == nil || !rec.Finished
		}
		masters[masterURL] = m
		builds[masterURL] = buildbot.ScanBuilds(ctx, opts.Client, masterURL, m, covered, needsFetch, opts.Parallelism)

		for _, builder := range covered {
			status := m.Builders[builder]
			smallest := -1
			for _, num := range append(append([]int{}, status.CachedBuilds...), status.CurrentBuilds...) {
				if smallest < 0 || num < smallest {
					smallest = num
				}
			}
			if smallest >= 0 {
				db.Prune(masterURL, builder, smallest)
			}
		}
	}
	if len(masters) == 0 && len(opts.Masters) > 0 {
		// Nothing fetched; leave the db alone and report the failures.
		return fmt.Errorf("Failed to fetch any master: %s", fetchErrs)
	}

	if opts.SyncBuildDBOnly {
		for masterURL, byBuilder := range builds {
			for builder, builderBuilds := range byBuilder {
				for _, b := range builderBuilds {
					rec := db.GetOrCreate(masterURL, builder, b.Number)
					if b.Finished() {
						rec.Finished = true
					}
				}
			}
		}
		glog.Infof("Synced build db without evaluating.")
		return saveDB(opts, db)
	}

	// Evaluation follows the command-line master order so that ties in the
	// close-message choice resolve the same way on every poll.
	state := newEvalState()
	for _, masterURL := range opts.Masters {
		m, ok := masters[masterURL]
		if !ok {
			continue
		}
		evaluateMaster(state, db, opts.Config, masterURL, m, builds[masterURL])
	}
	recordTriggers(db, state.failures)

	// When every failing step has already succeeded in a newer build of the
	// same builder this poll, the failures are stale flakes: they stay
	// recorded but trigger no actions and the revision watermark does not
	// advance.
	acting := state.failures
	if state.currentSuccessful && len(acting) > 0 {
		glog.Infof("All failing steps have newer successes; taking no action on %d firing(s).", len(acting))
		acting = nil
	}
	opts.Gate.Apply(&db.Aux, acting)

	opts.Notifier.Notify(ctx, acting)

	// First save: record triggers and the revision watermark before touching
	// the tree, so a crash between the two cannot re-fire on the next poll.
	if err := saveDB(opts, db); err != nil {
		return err
	}

	closeDemanded := false
	for _, f := range acting {
		if f.GatePassed && len(f.New) > 0 && f.Section.CloseTree {
			closeDemanded = true
			break
		}
	}
	if opts.Status != nil && opts.SetStatus {
		CloseTreeIfNecessary(ctx, opts.Status, &db.Aux, acting, opts.Gate)
		if opts.OpenTree && !closeDemanded {
			OpenTreeIfPossible(ctx, opts.Status, db, state, opts.Emoji)
		}
		// Second save: the recorded closure (or its removal).
		if err := saveDB(opts, db); err != nil {
			return err
		}
	} else {
		logPlannedStatus(state, opts)
	}

	if fetchErrs != nil {
		glog.Warningf("Poll completed with fetch errors: %s", fetchErrs)
	}
	return nil
}

// logPlannedStatus reports what the status actions would have been when
// status updates are disabled.
func logPlannedStatus(state *evalState, opts *Options) {
	for _, f := range state.failures {
		if f.GatePassed && len(f.New) > 0 && f.Section.CloseTree {
			glog.Infof("Would close the tree: %q", closeMessage(f, opts.Gate))
			return
		}
	}
	if state.currentSuccessful {
		glog.Infof("No tree-closing failures; would consider opening the tree.")
	}
}

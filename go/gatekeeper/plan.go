package gatekeeper

import (
	"context"
	"encoding/json"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/skia-dev/glog"

	"go.chromium.org/gatekeeper/go/buildbot"
	"go.chromium.org/gatekeeper/go/builddb"
	"go.chromium.org/gatekeeper/go/mailer"
	"go.chromium.org/gatekeeper/go/sheriff"
	"go.chromium.org/gatekeeper/go/treestatus"
)

// The status app truncates messages to 500 chars, replacing the 500th with
// an ellipsis, so 499 chars of a recorded closure survive a round trip.
const statusMessageLimit = 499

var automaticRe = regexp.MustCompile(`(?i)automatic`)

// untransformedProps always appear in status templates, in their raw form.
var untransformedProps = []string{"revision", "got_revision", "buildnumber"}

// Notifier turns failures into mailer-app submissions.
type Notifier struct {
	Mailer   *mailer.Client
	Sheriffs *sheriff.Resolver

	DefaultFromEmail string

	// EmailDomain is appended to bare usernames on blamelists.
	EmailDomain string

	// FilterDomains restricts outgoing mail to these domains unless
	// DisableDomainFilter is set.
	FilterDomains       []string
	DisableDomainFilter bool
}

// plainString renders an arbitrary property value for template vars.
func plainString(v interface{}) string {
	if v == nil {
		return ""
	}
	return propString(v)
}

// emailPayload builds the mailer message body for one failure. Field names
// match what the mailer app's templates expect.
func (n *Notifier) emailPayload(f *Failure) map[string]interface{} {
	steps := make([]map[string]interface{}, 0, len(f.Build.Steps))
	for _, s := range f.Build.Steps {
		text := s.Text
		if text == nil {
			text = []string{}
		}
		logs := s.Logs
		if logs == nil {
			logs = [][]string{}
		}
		urls := s.Urls
		if urls == nil {
			urls = []string{}
		}
		steps = append(steps, map[string]interface{}{
			"name":    s.Name,
			"text":    text,
			"logs":    logs,
			"started": s.IsStarted,
			"urls":    urls,
			"results": s.Results(),
		})
	}
	blame := f.Build.Blame
	if blame == nil {
		blame = []string{}
	}
	changes := f.Build.SourceStamp.Changes
	if changes == nil {
		changes = []map[string]interface{}{}
	}
	revision, _ := f.Build.Property("revision")
	return map[string]interface{}{
		"build_url":        f.Build.URL(),
		"waterfall_url":    strings.TrimRight(f.Project.BuildbotURL, "/"),
		"from_addr":        n.DefaultFromEmail,
		"project_name":     f.Project.Title,
		"subject_template": f.Section.SubjectTemplate,
		"builder_name":     f.Build.Builder,
		"buildnumber":      f.Build.Number,
		"reason":           f.Build.Reason,
		"revision":         plainString(revision),
		"result":           f.Build.Results(),
		"blamelist":        blame,
		"changes":          changes,
		"revisions":        f.Build.Revisions(),
		"steps":            steps,
		"unsatisfied":      f.Unsatisfied,
	}
}

// filterWatchers applies the bare-name domain and the outgoing domain filter.
func (n *Notifier) filterWatchers(watchers map[string]bool) []string {
	rv := []string{}
	for w := range watchers {
		if !strings.Contains(w, "@") {
			w = w + "@" + n.EmailDomain
		}
		if !n.DisableDomainFilter {
			domain := w[strings.LastIndex(w, "@")+1:]
			ok := false
			for _, d := range n.FilterDomains {
				if domain == d {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		rv = append(rv, w)
	}
	sort.Strings(rv)
	return rv
}

// Notify emails the watchers of each acting failure. Identical payloads are
// sent once with merged recipient lists.
func (n *Notifier) Notify(ctx context.Context, failures []*Failure) {
	type pending struct {
		payload  map[string]interface{}
		watchers map[string]bool
	}
	byPayload := map[string]*pending{}
	order := []string{}

	for _, f := range failures {
		if !f.GatePassed || len(f.New) == 0 {
			continue
		}
		watchers := map[string]bool{}
		for _, w := range f.Section.TreeNotify {
			watchers[w] = true
		}
		for _, w := range n.Sheriffs.ResolveClasses(ctx, f.Section.SheriffClasses) {
			watchers[w] = true
		}
		if f.Blaming {
			for _, w := range f.Build.Blame {
				watchers[w] = true
			}
		}
		glog.Infof("Failure in %s build %d: %v", f.Build.Builder, f.Build.Number, f.Unsatisfied)
		if len(watchers) == 0 {
			continue
		}

		payload := n.emailPayload(f)
		key, err := json.Marshal(payload)
		if err != nil {
			glog.Errorf("Failed to serialize email for %s: %s", f.Build.URL(), err)
			continue
		}
		if p, ok := byPayload[string(key)]; ok {
			for w := range watchers {
				p.watchers[w] = true
			}
		} else {
			byPayload[string(key)] = &pending{payload: payload, watchers: watchers}
			order = append(order, string(key))
		}
	}

	for _, key := range order {
		p := byPayload[key]
		recipients := n.filterWatchers(p.watchers)
		if len(recipients) == 0 {
			continue
		}
		p.payload["recipients"] = recipients
		if n.Mailer == nil {
			glog.Warningf("No email app configured; not emailing %s.", strings.Join(recipients, ", "))
			continue
		}
		glog.Infof("Emailing %s.", strings.Join(recipients, ", "))
		if err := n.Mailer.Send(ctx, p.payload); err != nil {
			glog.Errorf("Failed to send email: %s", err)
		}
	}
}

// closeMessage renders the status template of the given failure.
func closeMessage(f *Failure, gate *RevisionGate) string {
	vars := map[string]string{
		"blamelist":    strings.Join(f.Build.Blame, ","),
		"build_url":    f.Build.URL(),
		"builder_name": f.Build.Builder,
		"project_name": f.Project.Title,
		"unsatisfied":  strings.Join(f.Unsatisfied, ","),
	}
	if f.Build.Finished() {
		vars["result"] = buildbot.ResultString(f.Build.Results())
	} else {
		vars["result"] = "unknown"
	}
	for _, p := range untransformedProps {
		v, _ := f.Build.Property(p)
		vars[p] = plainString(v)
	}
	// Tracked revision properties are rendered in commit-position form.
	for _, p := range gate.Props {
		v, _ := f.Build.Property(p)
		vars[p] = propString(v)
	}
	return renderTemplate(f.Section.StatusTemplate, vars)
}

// CloseTreeIfNecessary closes the tree on the newest acting tree-closing
// failure. Only an open tree is touched; a human closure is never
// overwritten. The closing message is recorded so the reopen logic can tell
// its own closures apart from human ones.
func CloseTreeIfNecessary(ctx context.Context, status *treestatus.Client, aux *builddb.Aux, failures []*Failure, gate *RevisionGate) {
	var closing *Failure
	for _, f := range failures {
		if !f.GatePassed || len(f.New) == 0 || !f.Section.CloseTree {
			continue
		}
		if closing == nil {
			closing = f
			continue
		}
		if len(gate.Props) > 0 && f.Revisions != nil && (closing.Revisions == nil || gate.tupleGreater(f.Revisions, closing.Revisions)) {
			closing = f
		}
	}
	if closing == nil {
		glog.Infof("No tree-closing failures.")
		return
	}

	current, err := status.Get(ctx)
	if err != nil {
		glog.Errorf("Failed to read tree status: %s", err)
		return
	}
	if current.GeneralState != treestatus.StateOpen {
		glog.Infof("Not closing tree; it is currently %s.", current.GeneralState)
		return
	}

	message := closeMessage(closing, gate)
	glog.Infof("Closing the tree: %q", message)
	if err := status.Set(ctx, message); err != nil {
		glog.Errorf("Failed to close the tree: %s", err)
		return
	}
	if aux.ClosedTree == nil {
		aux.ClosedTree = map[string]string{}
	}
	aux.ClosedTree[status.Root] = message
}

// previouslyFailed lists builds recorded as failed whose triggered steps
// have not yet succeeded in any build seen this poll.
func previouslyFailed(db *builddb.DB, state *evalState) []string {
	rv := []string{}
	for masterURL, builders := range db.Masters {
		for builder, records := range builders {
			successes := state.successfulSteps[masterURL][builder]
			for num, rec := range records {
				if !rec.Finished || rec.Succeeded {
					continue
				}
				failing := map[string]bool{}
				for _, steps := range rec.Triggered {
					for _, s := range steps {
						if s != OverallBuildStatus && !successes[s] {
							failing[s] = true
						}
					}
				}
				if len(failing) > 0 {
					ordered := make([]string, 0, len(failing))
					for s := range failing {
						ordered = append(ordered, s)
					}
					sort.Strings(ordered)
					rv = append(rv, strings.Join(ordered, ",")+" on "+builder+" build "+strconv.Itoa(num))
				}
			}
		}
	}
	sort.Strings(rv)
	return rv
}

// OpenTreeIfPossible reopens the tree when everything is green again. The
// tree must currently be closed, and the closing message must be one this
// gatekeeper wrote (or, for state predating the recorded-closure scheme, any
// message mentioning "automatic").
func OpenTreeIfPossible(ctx context.Context, status *treestatus.Client, db *builddb.DB, state *evalState, emoji []string) {
	if !state.currentSuccessful {
		glog.Infof("Not opening tree; failing steps were detected this poll.")
		return
	}
	if failed := previouslyFailed(db, state); len(failed) > 0 {
		glog.Infof("Not opening tree; previous failures are unresolved:")
		for _, f := range failed {
			glog.Infof("  %s", f)
		}
		return
	}

	current, err := status.Get(ctx)
	if err != nil {
		glog.Errorf("Failed to read tree status: %s", err)
		return
	}
	if current.GeneralState != treestatus.StateClosed {
		glog.Infof("Not opening tree; it is currently %s.", current.GeneralState)
		return
	}

	recorded := db.Aux.ClosedTree[status.Root]
	if recorded != "" {
		if truncate(recorded, statusMessageLimit) != truncate(current.Message, statusMessageLimit) {
			glog.Infof("Not opening tree; the closing message is not ours: %q", current.Message)
			return
		}
	} else if !automaticRe.MatchString(current.Message) {
		glog.Infof("Not opening tree; %q does not look like an automatic closure.", current.Message)
		return
	}

	message := "Tree is open (Automatic)"
	if len(emoji) > 0 {
		e := emoji[rand.Intn(len(emoji))]
		if strings.HasSuffix(e, ")") {
			e += " "
		}
		message = "Tree is open (Automatic: " + e + ")"
	}
	glog.Infof("All builders are green, opening the tree: %q", message)
	if err := status.Set(ctx, message); err != nil {
		glog.Errorf("Failed to open the tree: %s", err)
		return
	}
	delete(db.Aux.ClosedTree, status.Root)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}


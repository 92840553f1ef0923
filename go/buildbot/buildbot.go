package buildbot

import (
	"fmt"
	"strings"
)

/*
	Types for data served by Buildbot's JSON interface.
*/

// Build result codes, see http://docs.buildbot.net/current/developer/results.html.
const (
	SUCCESS = iota
	WARNINGS
	FAILURE
	SKIPPED
	EXCEPTION
	RETRY
)

// ResultString returns the string form of a build result code.
func ResultString(r int) string {
	switch r {
	case SUCCESS:
		return "success"
	case WARNINGS:
		return "warnings"
	case FAILURE:
		return "failure"
	case SKIPPED:
		return "skipped"
	case EXCEPTION:
		return "exception"
	case RETRY:
		return "retry"
	default:
		return "unknown"
	}
}

// ParseResultString parses s as one of the above result codes.
func ParseResultString(s string) (int, error) {
	switch strings.ToLower(s) {
	case "success":
		return SUCCESS, nil
	case "warnings", "warning":
		return WARNINGS, nil
	case "failure":
		return FAILURE, nil
	case "skipped":
		return SKIPPED, nil
	case "exception":
		return EXCEPTION, nil
	case "retry":
		return RETRY, nil
	default:
		return 0, fmt.Errorf("Invalid buildbot result code: %s", s)
	}
}

// Step contains information about a single build step.
type Step struct {
	Name       string        `json:"name"`
	Text       []string      `json:"text"`
	Logs       [][]string    `json:"logs"`
	Urls       []string      `json:"urls"`
	RawResults []interface{} `json:"results"`
	IsStarted  bool          `json:"isStarted"`
	IsFinished bool          `json:"isFinished"`
}

// Results returns the step's result code. Buildbot serializes results as
// [code, [log names...]]; a missing or null code means SUCCESS.
func (s *Step) Results() int {
	if len(s.RawResults) == 0 || s.RawResults[0] == nil {
		return SUCCESS
	}
	if f, ok := s.RawResults[0].(float64); ok {
		return int(f)
	}
	return SUCCESS
}

// SourceStamp describes the source checkout a build ran against.
type SourceStamp struct {
	Branch  string                   `json:"branch"`
	Changes []map[string]interface{} `json:"changes"`
}

// Build contains information about a single build as served by the master.
type Build struct {
	Master      string          `json:"-"`
	Builder     string          `json:"builderName"`
	Number      int             `json:"number"`
	Reason      string          `json:"reason"`
	Blame       []string        `json:"blame"`
	Properties  [][]interface{} `json:"properties"`
	SourceStamp SourceStamp     `json:"sourceStamp"`
	Times       []float64       `json:"times"`
	RawResults  *int            `json:"results"`
	Steps       []*Step         `json:"steps"`
}

// Finished returns true iff the master has marked the build as complete.
func (b *Build) Finished() bool {
	return b.RawResults != nil
}

// Results returns the overall build result. An unfinished build defaults to
// FAILURE; callers only look at the overall result once something has
// already gone wrong, so the pessimistic default is the useful one.
func (b *Build) Results() int {
	if b.RawResults == nil {
		return FAILURE
	}
	return *b.RawResults
}

// Started returns the build's start time as a unix float, or 0 if unknown.
func (b *Build) Started() float64 {
	if len(b.Times) < 1 {
		return 0
	}
	return b.Times[0]
}

// Property returns the value of a build property, if present. Properties are
// served as [name, value, source] triples.
func (b *Build) Property(name string) (interface{}, bool) {
	for _, prop := range b.Properties {
		if len(prop) >= 2 {
			if key, ok := prop[0].(string); ok && key == name {
				return prop[1], true
			}
		}
	}
	return nil, false
}

// PropertyValues returns a map populated for each of the given property
// names. Names absent from the build map to nil.
func (b *Build) PropertyValues(names []string) map[string]interface{} {
	rv := make(map[string]interface{}, len(names))
	for _, name := range names {
		rv[name] = nil
		if v, ok := b.Property(name); ok {
			rv[name] = v
		}
	}
	return rv
}

// StepNames returns the names of the build's steps, in build order.
func (b *Build) StepNames() []string {
	rv := make([]string, 0, len(b.Steps))
	for _, s := range b.Steps {
		rv = append(rv, s.Name)
	}
	return rv
}

// Step returns the named step, or nil.
func (b *Build) Step(name string) *Step {
	for _, s := range b.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Revisions returns the revision of each change in the build's source stamp.
func (b *Build) Revisions() []interface{} {
	rv := make([]interface{}, 0, len(b.SourceStamp.Changes))
	for _, c := range b.SourceStamp.Changes {
		rv = append(rv, c["revision"])
	}
	return rv
}

// URL returns a human-readable URL for the build on the waterfall.
func (b *Build) URL() string {
	return fmt.Sprintf("%s/builders/%s/builds/%d", strings.TrimRight(b.Master, "/"), urlQuote(b.Builder), b.Number)
}

// Project identifies the master's project.
type Project struct {
	Title       string `json:"title"`
	BuildbotURL string `json:"buildbotURL"`
}

// BuilderStatus lists the builds the master currently knows about for one
// builder.
type BuilderStatus struct {
	CachedBuilds  []int `json:"cachedBuilds"`
	CurrentBuilds []int `json:"currentBuilds"`
}

// Master is the root object served at <master>/json.
type Master struct {
	Project  Project                   `json:"project"`
	Builders map[string]*BuilderStatus `json:"builders"`
}

package gatekeeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	assert "github.com/stretchr/testify/require"

	"go.chromium.org/gatekeeper/go/builddb"
	"go.chromium.org/gatekeeper/go/buildbot"
	"go.chromium.org/gatekeeper/go/config"
	"go.chromium.org/gatekeeper/go/treestatus"
)

// fakeWaterfall serves a mutable buildbot master.
type fakeWaterfall struct {
	builders map[string]*buildbot.BuilderStatus
	builds   map[string]map[int]*buildbot.Build
}

func newFakeWaterfall(t *testing.T) (*httptest.Server, *fakeWaterfall) {
	fw := &fakeWaterfall{
		builders: map[string]*buildbot.BuilderStatus{},
		builds:   map[string]map[int]*buildbot.Build{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewEncoder(w).Encode(&buildbot.Master{
			Project:  buildbot.Project{Title: "Test Project", BuildbotURL: "http://fake/"},
			Builders: fw.builders,
		}))
	})
	mux.HandleFunc("/json/builders/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		assert.Len(t, parts, 6)
		builder, err := url.PathUnescape(parts[3])
		assert.NoError(t, err)
		num, err := strconv.Atoi(parts[5])
		assert.NoError(t, err)
		b, ok := fw.builds[builder][num]
		if !ok {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, json.NewEncoder(w).Encode(b))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fw
}

func (fw *fakeWaterfall) addBuild(b *buildbot.Build) {
	if fw.builders[b.Builder] == nil {
		fw.builders[b.Builder] = &buildbot.BuilderStatus{}
		fw.builds[b.Builder] = map[int]*buildbot.Build{}
	}
	st := fw.builders[b.Builder]
	st.CachedBuilds = append(st.CachedBuilds, b.Number)
	if !b.Finished() {
		st.CurrentBuilds = append(st.CurrentBuilds, b.Number)
	}
	fw.builds[b.Builder][b.Number] = b
}

func TestPollEndToEnd(t *testing.T) {
	masterSrv, fw := newFakeWaterfall(t)
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     1,
		Blame:      []string{"dev@chromium.org"},
		RawResults: finished(buildbot.FAILURE),
		Steps: []*buildbot.Step{
			step("update", buildbot.SUCCESS, true),
			step("compile", buildbot.FAILURE, true),
		},
	})

	statusClient, fs := newFakeStatus(t, treestatus.StateOpen, "Tree is open")
	mail, payloads := fakeMailer(t)

	cfg, err := config.Parse(strings.NewReader(`{
		"masters": {
			"` + masterSrv.URL + `": [{
				"tree_notify": ["watcher@chromium.org"],
				"builders": {"*": {"closing_steps": ["compile"]}}
			}]
		}
	}`))
	assert.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "build.db")
	opts := &Options{
		Config:    cfg,
		Masters:   []string{masterSrv.URL},
		Client:    http.DefaultClient,
		Status:    statusClient,
		SetStatus: true,
		OpenTree:  true,
		Notifier: &Notifier{
			Mailer:        mail,
			Sheriffs:      fakeSheriffs(t, nil),
			EmailDomain:   "google.com",
			FilterDomains: []string{"chromium.org", "google.com"},
		},
		Gate:        &RevisionGate{},
		BuildDBPath: dbPath,
		Parallelism: 4,
	}

	// First poll: the failure closes the tree and emails the watchers and
	// the blamelist.
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Len(t, *payloads, 1)
	assert.Equal(t, []interface{}{"dev@chromium.org", "watcher@chromium.org"}, (*payloads)[0]["recipients"])
	assert.Len(t, fs.sets, 1)
	assert.Contains(t, fs.sets[0], `Tree is closed (Automatic: "compile" on "Linux"`)

	// The closure survives in the db.
	saved := builddb.Load(dbPath)
	assert.Equal(t, fs.sets[0], saved.Aux.ClosedTree[statusClient.Root])
	assert.Equal(t, []string{"compile"}, saved.Get(masterSrv.URL, "Linux", 1).Triggered[cfg[masterSrv.URL][0].Hash])

	// Second poll over the same state: nothing new fires.
	fs.state = treestatus.StateClosed
	fs.message = fs.sets[0]
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Len(t, *payloads, 1)
	assert.Len(t, fs.sets, 1)

	// A green build lands: the tree reopens.
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     2,
		RawResults: finished(buildbot.SUCCESS),
		Steps: []*buildbot.Step{
			step("update", buildbot.SUCCESS, true),
			step("compile", buildbot.SUCCESS, true),
		},
	})
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Len(t, *payloads, 1)
	assert.Len(t, fs.sets, 2)
	assert.Equal(t, "Tree is open (Automatic)", fs.sets[1])
	saved = builddb.Load(dbPath)
	assert.Empty(t, saved.Aux.ClosedTree)
}

func TestPollFlakeRecoveredInSamePoll(t *testing.T) {
	masterSrv, fw := newFakeWaterfall(t)
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     1,
		Blame:      []string{"dev@chromium.org"},
		RawResults: finished(buildbot.FAILURE),
		Steps:      []*buildbot.Step{step("compile", buildbot.FAILURE, true)},
	})
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     2,
		RawResults: finished(buildbot.SUCCESS),
		Steps:      []*buildbot.Step{step("compile", buildbot.SUCCESS, true)},
	})

	statusClient, fs := newFakeStatus(t, treestatus.StateOpen, "Tree is open")
	mail, payloads := fakeMailer(t)

	cfg, err := config.Parse(strings.NewReader(`{
		"masters": {"` + masterSrv.URL + `": [{"builders": {"*": {"closing_steps": ["compile"]}}}]}
	}`))
	assert.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "build.db")
	opts := &Options{
		Config:      cfg,
		Masters:     []string{masterSrv.URL},
		Client:      http.DefaultClient,
		Status:      statusClient,
		SetStatus:   true,
		OpenTree:    true,
		Notifier:    &Notifier{Mailer: mail, Sheriffs: fakeSheriffs(t, nil), EmailDomain: "google.com", FilterDomains: []string{"chromium.org"}},
		Gate:        &RevisionGate{},
		BuildDBPath: dbPath,
		Parallelism: 4,
	}

	// The step already succeeded in a newer build of the same poll, so the
	// failure is a recovered flake: no email, no closure.
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Empty(t, *payloads)
	assert.Empty(t, fs.sets)

	// The firing is still recorded, so it cannot act later either.
	saved := builddb.Load(dbPath)
	assert.Equal(t, []string{"compile"}, saved.Get(masterSrv.URL, "Linux", 1).Triggered[cfg[masterSrv.URL][0].Hash])
}

func TestPollUnknownMaster(t *testing.T) {
	err := Poll(context.Background(), &Options{
		Config:  config.Config{},
		Masters: []string{"http://unknown.test"},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "http://unknown.test")
}

func TestPollSyncBuildDBOnly(t *testing.T) {
	masterSrv, fw := newFakeWaterfall(t)
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     1,
		RawResults: finished(buildbot.FAILURE),
		Steps:      []*buildbot.Step{step("compile", buildbot.FAILURE, true)},
	})

	cfg, err := config.Parse(strings.NewReader(`{
		"masters": {"` + masterSrv.URL + `": [{"builders": {"*": {"closing_steps": ["compile"]}}}]}
	}`))
	assert.NoError(t, err)

	mail, payloads := fakeMailer(t)
	dbPath := filepath.Join(t.TempDir(), "build.db")
	opts := &Options{
		Config:          cfg,
		Masters:         []string{masterSrv.URL},
		Client:          http.DefaultClient,
		Notifier:        &Notifier{Mailer: mail, Sheriffs: fakeSheriffs(t, nil), EmailDomain: "google.com", FilterDomains: []string{"chromium.org"}},
		Gate:            &RevisionGate{},
		BuildDBPath:     dbPath,
		SyncBuildDBOnly: true,
		Parallelism:     4,
	}
	assert.NoError(t, Poll(context.Background(), opts))

	// The failing build is recorded without triggering anything.
	assert.Empty(t, *payloads)
	saved := builddb.Load(dbPath)
	rec := saved.Get(masterSrv.URL, "Linux", 1)
	assert.NotNil(t, rec)
	assert.True(t, rec.Finished)
	assert.Empty(t, rec.Triggered)

	// The next real poll skips the already-recorded finished build.
	opts.SyncBuildDBOnly = false
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Empty(t, *payloads)
}

func TestPollSkipBuildDBUpdate(t *testing.T) {
	masterSrv, fw := newFakeWaterfall(t)
	fw.addBuild(&buildbot.Build{
		Builder:    "Linux",
		Number:     1,
		Blame:      []string{"dev@chromium.org"},
		RawResults: finished(buildbot.FAILURE),
		Steps:      []*buildbot.Step{step("compile", buildbot.FAILURE, true)},
	})

	cfg, err := config.Parse(strings.NewReader(`{
		"masters": {"` + masterSrv.URL + `": [{"builders": {"*": {"closing_steps": ["compile"]}}}]}
	}`))
	assert.NoError(t, err)

	mail, payloads := fakeMailer(t)
	dbPath := filepath.Join(t.TempDir(), "build.db")
	opts := &Options{
		Config:            cfg,
		Masters:           []string{masterSrv.URL},
		Client:            http.DefaultClient,
		Notifier:          &Notifier{Mailer: mail, Sheriffs: fakeSheriffs(t, nil), EmailDomain: "google.com", FilterDomains: []string{"chromium.org"}},
		Gate:              &RevisionGate{},
		BuildDBPath:       dbPath,
		SkipBuildDBUpdate: true,
		Parallelism:       4,
	}
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Len(t, *payloads, 1)
	// Nothing was written: the next poll re-detects the same failure.
	assert.Nil(t, builddb.Load(dbPath).Get(masterSrv.URL, "Linux", 1))
	assert.NoError(t, Poll(context.Background(), opts))
	assert.Len(t, *payloads, 2)
}

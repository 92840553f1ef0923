package buildbot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skia-dev/glog"
	"golang.org/x/sync/errgroup"
)

/*
	Scanning of build masters for builds which need evaluation.
*/

const (
	// Fetches are retried a couple of times before the build is skipped for
	// this poll; masters routinely drop requests under load.
	fetchAttempts = 3

	fetchInitialInterval = 500 * time.Millisecond
)

func urlQuote(s string) string {
	return url.PathEscape(s)
}

// get loads data from a buildbot JSON endpoint, retrying with exponential
// backoff.
func get(ctx context.Context, client *http.Client, url string, rv interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = fetchInitialInterval
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("Failed to GET %s: %s", url, err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("Failed to GET %s: status %d", url, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(rv); err != nil {
			return fmt.Errorf("Failed to decode JSON from %s: %s", url, err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, fetchAttempts-1), ctx))
}

// FetchMaster retrieves the root JSON object for the given master.
func FetchMaster(ctx context.Context, client *http.Client, masterURL string) (*Master, error) {
	var m Master
	if err := get(ctx, client, masterURL+"/json", &m); err != nil {
		return nil, fmt.Errorf("Failed to retrieve master %s: %s", masterURL, err)
	}
	return &m, nil
}

// FetchBuild retrieves a single build from the master's JSON interface.
func FetchBuild(ctx context.Context, client *http.Client, masterURL, builder string, num int) (*Build, error) {
	var b Build
	url := fmt.Sprintf("%s/json/builders/%s/builds/%d", masterURL, urlQuote(builder), num)
	if err := get(ctx, client, url, &b); err != nil {
		return nil, fmt.Errorf("Failed to retrieve build #%d for %s: %s", num, builder, err)
	}
	b.Master = masterURL
	return &b, nil
}

// ScanBuilds fetches every build on the given master which needs evaluation
// this poll: for each builder in the configured set, the union of
// currentBuilds and cachedBuilds, filtered through needsFetch (typically
// "no record yet, or recorded as unfinished"). Individual fetch failures are
// logged and the build is skipped; it stays unrecorded and is retried on the
// next poll. Builds are returned in ascending build-number order per builder.
func ScanBuilds(ctx context.Context, client *http.Client, masterURL string, m *Master, builders []string, needsFetch func(builder string, num int) bool, parallelism int) map[string][]*Build {
	type buildID struct {
		builder string
		num     int
	}
	toFetch := []buildID{}
	for _, builder := range builders {
		status, ok := m.Builders[builder]
		if !ok {
			glog.Warningf("Builder %q is configured but not known to %s", builder, masterURL)
			continue
		}
		seen := map[int]bool{}
		for _, num := range append(append([]int{}, status.CurrentBuilds...), status.CachedBuilds...) {
			if seen[num] {
				continue
			}
			seen[num] = true
			if needsFetch == nil || needsFetch(builder, num) {
				toFetch = append(toFetch, buildID{builder, num})
			}
		}
	}

	if parallelism <= 0 {
		parallelism = 16
	}
	var mtx sync.Mutex
	rv := map[string][]*Build{}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	for _, id := range toFetch {
		id := id
		group.Go(func() error {
			b, err := FetchBuild(ctx, client, masterURL, id.builder, id.num)
			if err != nil {
				glog.Errorf("Failed to retrieve build from master; skipping: %s", err)
				return nil
			}
			mtx.Lock()
			defer mtx.Unlock()
			rv[id.builder] = append(rv[id.builder], b)
			return nil
		})
	}
	_ = group.Wait()

	for _, builds := range rv {
		sort.Slice(builds, func(i, j int) bool {
			return builds[i].Number < builds[j].Number
		})
	}
	return rv
}

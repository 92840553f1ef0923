package sheriff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/skia-dev/glog"
)

/*
	Resolution of sheriff classes to email addresses. Sheriff rotations are
	published as one-line javascript files of the form
	document.write('user1, user2'); the literal "None (channel is sheriff)"
	means nobody is on duty.
*/

const noSheriff = "None (channel is sheriff)"

var writeRegexp = regexp.MustCompile(`document\.write\('([^']+)'\)`)

// Resolver fetches sheriff lists.
type Resolver struct {
	Client *http.Client

	// URLPattern contains a single %s which is replaced with the sheriff
	// class name, e.g. "http://build.chromium.org/p/chromium/%s.js".
	URLPattern string

	// Domain is appended to bare usernames, e.g. "google.com".
	Domain string
}

// parse extracts the sheriff emails from a rotation file payload.
func (r *Resolver) parse(line string) []string {
	match := writeRegexp.FindStringSubmatch(line)
	if match == nil {
		return nil
	}
	if match[1] == noSheriff {
		return nil
	}
	rv := []string{}
	for _, name := range strings.Split(match[1], ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !strings.Contains(name, "@") {
			name += "@" + r.Domain
		}
		rv = append(rv, name)
	}
	return rv
}

// Resolve returns the email addresses of the sheriffs in the given class.
// Fetch and parse problems yield the empty set for that class only; the poll
// is never aborted over a missing rotation.
func (r *Resolver) Resolve(ctx context.Context, class string) []string {
	url := fmt.Sprintf(r.URLPattern, class)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		glog.Errorf("Failed to build sheriff request for %s: %s", url, err)
		return nil
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		glog.Errorf("Failed to fetch sheriff list %s: %s", url, err)
		return nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		glog.Errorf("Failed to fetch sheriff list %s: status %d", url, resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		glog.Errorf("Failed to read sheriff list %s: %s", url, err)
		return nil
	}
	line := strings.SplitN(string(body), "\n", 2)[0]
	return r.parse(line)
}

// ResolveClasses returns the union of the sheriffs of all given classes,
// sorted and deduplicated.
func (r *Resolver) ResolveClasses(ctx context.Context, classes []string) []string {
	seen := map[string]bool{}
	for _, class := range classes {
		for _, email := range r.Resolve(ctx, class) {
			seen[email] = true
		}
	}
	rv := make([]string, 0, len(seen))
	for email := range seen {
		rv = append(rv, email)
	}
	sort.Strings(rv)
	return rv
}

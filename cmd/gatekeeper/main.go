// Command gatekeeper polls buildbot masters for failed tree-closing steps,
// closes the tree status app, emails the relevant parties and reopens the
// tree once the waterfall is green again.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/skia-dev/glog"
	"github.com/urfave/cli/v2"

	"go.chromium.org/gatekeeper/go/config"
	"go.chromium.org/gatekeeper/go/gatekeeper"
	"go.chromium.org/gatekeeper/go/mailer"
	"go.chromium.org/gatekeeper/go/sheriff"
	"go.chromium.org/gatekeeper/go/treestatus"
)

// flag names
const (
	buildDBFlag             = "build-db"
	clearBuildDBFlag        = "clear-build-db"
	syncBuildDBFlag         = "sync-build-db"
	skipBuildDBUpdateFlag   = "skip-build-db-update"
	passwordFileFlag        = "password-file"
	setStatusFlag           = "set-status"
	openTreeFlag            = "open-tree"
	statusURLFlag           = "status-url"
	statusUserFlag          = "status-user"
	trackRevisionsFlag      = "track-revisions"
	revisionPropertiesFlag  = "revision-properties"
	disableDomainFilterFlag = "disable-domain-filter"
	filterDomainFlag        = "filter-domain"
	emailDomainFlag         = "email-domain"
	sheriffURLFlag          = "sheriff-url"
	parallelismFlag         = "parallelism"
	defaultFromEmailFlag    = "default-from-email"
	emailAppURLFlag         = "email-app-url"
	emailAppSecretFileFlag  = "email-app-secret-file"
	noEmailAppFlag          = "no-email-app"
	jsonFlag                = "json"
	emojiFlag               = "emoji"
	verifyFlag              = "verify"
	flattenJSONFlag         = "flatten-json"
	verboseFlag             = "verbose"
)

func readSecret(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func run(c *cli.Context) error {
	defer glog.Flush()
	if c.Bool(verboseFlag) {
		_ = flag.Set("v", "1")
	}

	cfg, err := config.Load(c.String(jsonFlag))
	if err != nil {
		return err
	}
	if c.Bool(verifyFlag) {
		return nil
	}
	if c.Bool(flattenJSONFlag) {
		return config.FlattenToJSON(cfg, os.Stdout)
	}

	masters := make([]string, 0, c.NArg())
	for _, url := range c.Args().Slice() {
		masters = append(masters, strings.TrimRight(url, "/"))
	}
	if len(masters) == 0 {
		return fmt.Errorf("At least one master URL is required.")
	}

	var emoji []string
	if path := c.String(emojiFlag); path != "" && path != "None" {
		emoji, err = config.LoadEmoji(path)
		if err != nil {
			glog.Warningf("Could not load emoji file %s: %s", path, err)
		}
	}

	client := &http.Client{Timeout: time.Minute}

	var status *treestatus.Client
	if c.Bool(setStatusFlag) {
		password, err := readSecret(c.String(passwordFileFlag))
		if err != nil {
			return fmt.Errorf("Failed to read status password: %s", err)
		}
		status = &treestatus.Client{
			HTTP:     client,
			Root:     strings.TrimRight(c.String(statusURLFlag), "/"),
			Username: c.String(statusUserFlag),
			Password: password,
		}
	}

	var mail *mailer.Client
	if !c.Bool(noEmailAppFlag) && c.String(emailAppURLFlag) != "" {
		secret, err := readSecret(c.String(emailAppSecretFileFlag))
		if err != nil {
			return fmt.Errorf("Failed to read email app secret: %s", err)
		}
		mail = &mailer.Client{
			HTTP:   client,
			URL:    strings.TrimRight(c.String(emailAppURLFlag), "/"),
			Secret: secret,
		}
	}

	gate := &gatekeeper.RevisionGate{}
	if c.Bool(trackRevisionsFlag) {
		gate.Props = strings.Split(c.String(revisionPropertiesFlag), ",")
	}

	notifier := &gatekeeper.Notifier{
		Mailer: mail,
		Sheriffs: &sheriff.Resolver{
			Client:     client,
			URLPattern: c.String(sheriffURLFlag),
			Domain:     c.String(emailDomainFlag),
		},
		DefaultFromEmail:    c.String(defaultFromEmailFlag),
		EmailDomain:         c.String(emailDomainFlag),
		FilterDomains:       strings.Split(c.String(filterDomainFlag), ","),
		DisableDomainFilter: c.Bool(disableDomainFilterFlag),
	}

	return gatekeeper.Poll(c.Context, &gatekeeper.Options{
		Config:            cfg,
		Masters:           masters,
		Client:            client,
		Status:            status,
		SetStatus:         c.Bool(setStatusFlag),
		OpenTree:          c.Bool(openTreeFlag),
		Notifier:          notifier,
		Gate:              gate,
		BuildDBPath:       c.String(buildDBFlag),
		ClearBuildDB:      c.Bool(clearBuildDBFlag),
		SyncBuildDBOnly:   c.Bool(syncBuildDBFlag),
		SkipBuildDBUpdate: c.Bool(skipBuildDBUpdateFlag),
		Emoji:             emoji,
		Parallelism:       c.Int(parallelismFlag),
	})
}

func main() {
	app := &cli.App{
		Name:      "gatekeeper",
		Usage:     "Closes the tree if annotated builds fail.",
		ArgsUsage: "master_url [master_url...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  buildDBFlag,
				Value: "build.db",
				Usage: "records the last-seen build for each builder",
			},
			&cli.BoolFlag{
				Name:  clearBuildDBFlag,
				Usage: "start from an empty build db",
			},
			&cli.BoolFlag{
				Name:  syncBuildDBFlag,
				Usage: "don't process any builds, just record the latest build numbers",
			},
			&cli.BoolFlag{
				Name:  skipBuildDBUpdateFlag,
				Usage: "don't write the build db back to disk",
			},
			&cli.StringFlag{
				Name:  passwordFileFlag,
				Value: ".status_password",
				Usage: "password file for the status app",
			},
			&cli.BoolFlag{
				Name:    setStatusFlag,
				Aliases: []string{"s"},
				Usage:   "close the tree by connecting to the status app",
			},
			&cli.BoolFlag{
				Name:  openTreeFlag,
				Usage: "open the tree when the waterfall is green again",
			},
			&cli.StringFlag{
				Name:  statusURLFlag,
				Value: "https://chromium-status.appspot.com",
				Usage: "URL for root of the status app",
			},
			&cli.StringFlag{
				Name:  statusUserFlag,
				Value: "buildbot@chromium.org",
				Usage: "username for the status app",
			},
			&cli.BoolFlag{
				Name:  trackRevisionsFlag,
				Usage: "only close on increasing revisions",
			},
			&cli.StringFlag{
				Name:  revisionPropertiesFlag,
				Value: "revision",
				Usage: "comma-separated build properties to compare revisions on",
			},
			&cli.BoolFlag{
				Name:  disableDomainFilterFlag,
				Usage: "allow emailing any domain",
			},
			&cli.StringFlag{
				Name:  filterDomainFlag,
				Value: "chromium.org,google.com",
				Usage: "only email users in these comma-separated domains",
			},
			&cli.StringFlag{
				Name:  emailDomainFlag,
				Value: "google.com",
				Usage: "default email domain to add to users without one",
			},
			&cli.StringFlag{
				Name:  sheriffURLFlag,
				Value: "http://build.chromium.org/p/chromium/%s.js",
				Usage: "URL pattern for the current sheriff list",
			},
			&cli.IntFlag{
				Name:  parallelismFlag,
				Value: 16,
				Usage: "up to this many builds can be queried simultaneously",
			},
			&cli.StringFlag{
				Name:  defaultFromEmailFlag,
				Value: "buildbot@chromium.org",
				Usage: "default email address to send from",
			},
			&cli.StringFlag{
				Name:  emailAppURLFlag,
				Value: "https://chromium-build.appspot.com/mailer",
				Usage: "URL of the application to send email from",
			},
			&cli.StringFlag{
				Name:  emailAppSecretFileFlag,
				Value: ".mailer_password",
				Usage: "file containing the secret used in email app auth",
			},
			&cli.BoolFlag{
				Name:  noEmailAppFlag,
				Usage: "don't send emails",
			},
			&cli.StringFlag{
				Name:  jsonFlag,
				Value: "gatekeeper.json",
				Usage: "location of the gatekeeper configuration file",
			},
			&cli.StringFlag{
				Name:  emojiFlag,
				Value: "gatekeeper_emoji.json",
				Usage: "location of the reopen emoji file (None to turn off)",
			},
			&cli.BoolFlag{
				Name:  verifyFlag,
				Usage: "verify that the gatekeeper config file is correct",
			},
			&cli.BoolFlag{
				Name:  flattenJSONFlag,
				Usage: "display the flattened gatekeeper config for debugging",
			},
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				Usage:   "turn on extra debugging information",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		glog.Errorf("%s", err)
		os.Exit(1)
	}
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/flynn/json5"
)

/*
	The gatekeeper configuration: which steps close the tree and who gets
	notified. The on-disk format nests categories and master-level defaults;
	loading flattens everything into per-builder sections so the evaluator
	only ever sees flat sections. Section identity is a stable hash of the
	flattened form, so a config expressed via categories hashes identically
	to its directly-written equivalent.
*/

const (
	// StarBuilder matches every builder of a master unless an explicit
	// builder key overrides it in the same section group.
	StarBuilder = "*"

	DefaultSubjectTemplate = "buildbot %(result)s in %(project_name)s on %(builder_name)s, revision %(revision)s"
	DefaultStatusTemplate  = `Tree is closed (Automatic: "%(unsatisfied)s" on "%(builder_name)s" %(blamelist)s)`
)

var (
	listFields = []string{
		"closing_steps",
		"closing_optional",
		"forgiving_steps",
		"forgiving_optional",
		"excluded_steps",
		"excluded_builders",
		"tree_notify",
		"sheriff_classes",
		"categories",
	}
	stringFields = []string{
		"subject_template",
		"status_template",
	}
	boolFields = []string{
		"close_tree",
		"forgive_all",
		"respect_build_status",
	}
)

// Section is one fully-flattened policy unit bound to a single builder key.
type Section struct {
	Hash string

	ClosingSteps      []string
	ClosingOptional   []string
	ForgivingSteps    []string
	ForgivingOptional []string
	ExcludedSteps     []string
	ExcludedBuilders  []string
	TreeNotify        []string
	SheriffClasses    []string

	SubjectTemplate string
	StatusTemplate  string

	CloseTree          bool
	ForgiveAll         bool
	RespectBuildStatus bool
}

// SectionGroup is one entry of a master's section list: a set of per-builder
// sections sharing a single identity hash.
type SectionGroup struct {
	Hash     string
	Builders map[string]*Section
}

// ForBuilder returns the section applicable to the given builder, or nil if
// the builder is not covered or is excluded. An exact builder key wins over
// the star key; excluded_builders are shell globs matched against the name.
func (g *SectionGroup) ForBuilder(name string) *Section {
	sec, ok := g.Builders[name]
	if !ok {
		sec, ok = g.Builders[StarBuilder]
	}
	if !ok {
		return nil
	}
	for _, glob := range sec.ExcludedBuilders {
		if match, err := path.Match(glob, name); err == nil && match {
			return nil
		}
	}
	return sec
}

// Config maps master URL -> ordered list of section groups.
type Config map[string][]*SectionGroup

// BuilderNames returns the builders of the master which some section group
// covers, given the full set of builders the master reports. The star key
// covers everything.
func (c Config) BuilderNames(masterURL string, known []string) []string {
	covered := map[string]bool{}
	star := false
	for _, g := range c[masterURL] {
		for name := range g.Builders {
			if name == StarBuilder {
				star = true
			} else {
				covered[name] = true
			}
		}
	}
	rv := []string{}
	for _, name := range known {
		if star || covered[name] {
			rv = append(rv, name)
		}
	}
	sort.Strings(rv)
	return rv
}

// CoversBuilder reports whether any section group of the master names the
// builder (directly or via the star key). Used when pruning the build db.
func (c Config) CoversBuilder(masterURL, builder string) bool {
	for _, g := range c[masterURL] {
		if _, ok := g.Builders[builder]; ok {
			return true
		}
		if _, ok := g.Builders[StarBuilder]; ok {
			return true
		}
	}
	return false
}

type rawFile struct {
	Categories map[string]map[string]interface{}   `json:"categories"`
	Masters    map[string][]map[string]interface{} `json:"masters"`
}

func validateKeys(section map[string]interface{}, allowBuilders bool, where string) error {
	valid := map[string]bool{}
	for _, k := range listFields {
		valid[k] = true
	}
	for _, k := range stringFields {
		valid[k] = true
	}
	for _, k := range boolFields {
		valid[k] = true
	}
	if allowBuilders {
		valid["builders"] = true
	}
	for k := range section {
		if !valid[k] {
			return fmt.Errorf("Invalid key %q in %s", k, where)
		}
	}
	return nil
}

func toStringSlice(v interface{}, key string) ([]string, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("Value of %q must be a list of strings", key)
	}
	rv := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("Value of %q must be a list of strings", key)
		}
		rv = append(rv, s)
	}
	return rv, nil
}

// mergeInto unions src's list fields into dst and fills dst's unset scalar
// fields. dst's own scalar values always win.
func mergeInto(dst, src map[string]interface{}) {
	for _, key := range listFields {
		sv, ok := src[key]
		if !ok {
			continue
		}
		srcList, ok := sv.([]interface{})
		if !ok {
			// Leave it for canonicalize to report.
			srcList = []interface{}{sv}
		}
		if dv, ok := dst[key].([]interface{}); ok {
			dst[key] = append(dv, srcList...)
		} else {
			dst[key] = append([]interface{}{}, srcList...)
		}
	}
	scalars := append(append([]string{}, stringFields...), boolFields...)
	for _, key := range scalars {
		if _, ok := dst[key]; !ok {
			if sv, ok := src[key]; ok {
				dst[key] = sv
			}
		}
	}
}

// expandCategories inlines every category referenced by the section,
// repeating until no "categories" key remains (categories may reference
// other categories).
func expandCategories(section map[string]interface{}, categories map[string]map[string]interface{}) error {
	for {
		names, ok := section["categories"]
		if !ok {
			return nil
		}
		delete(section, "categories")
		list, err := toStringSlice(names, "categories")
		if err != nil {
			return err
		}
		for _, name := range list {
			cat, ok := categories[name]
			if !ok {
				return fmt.Errorf("Unknown category %q", name)
			}
			mergeInto(section, cat)
		}
	}
}

func sortedUnique(list []string) []string {
	m := map[string]bool{}
	for _, s := range list {
		m[s] = true
	}
	rv := make([]string, 0, len(m))
	for s := range m {
		rv = append(rv, s)
	}
	sort.Strings(rv)
	return rv
}

// canonicalize converts a merged raw section into its canonical map form:
// list fields sorted and deduped, defaults materialized.
func canonicalize(section map[string]interface{}) (map[string]interface{}, error) {
	rv := map[string]interface{}{}
	for _, key := range listFields {
		if key == "categories" {
			continue
		}
		list := []string{}
		if v, ok := section[key]; ok {
			var err error
			list, err = toStringSlice(v, key)
			if err != nil {
				return nil, err
			}
		}
		rv[key] = sortedUnique(list)
	}
	for _, key := range stringFields {
		s := ""
		switch key {
		case "subject_template":
			s = DefaultSubjectTemplate
		case "status_template":
			s = DefaultStatusTemplate
		}
		if v, ok := section[key]; ok {
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("Value of %q must be a string", key)
			}
			s = str
		}
		rv[key] = s
	}
	for _, key := range boolFields {
		b := key == "close_tree" // close_tree defaults to true.
		if v, ok := section[key]; ok {
			bv, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("Value of %q must be a boolean", key)
			}
			b = bv
		}
		rv[key] = b
	}
	return rv, nil
}

func sectionFromCanonical(c map[string]interface{}) *Section {
	strs := func(key string) []string { return c[key].([]string) }
	return &Section{
		ClosingSteps:       strs("closing_steps"),
		ClosingOptional:    strs("closing_optional"),
		ForgivingSteps:     strs("forgiving_steps"),
		ForgivingOptional:  strs("forgiving_optional"),
		ExcludedSteps:      strs("excluded_steps"),
		ExcludedBuilders:   strs("excluded_builders"),
		TreeNotify:         strs("tree_notify"),
		SheriffClasses:     strs("sheriff_classes"),
		SubjectTemplate:    c["subject_template"].(string),
		StatusTemplate:     c["status_template"].(string),
		CloseTree:          c["close_tree"].(bool),
		ForgiveAll:         c["forgive_all"].(bool),
		RespectBuildStatus: c["respect_build_status"].(bool),
	}
}

// groupHash hashes the canonical serialization of a section group.
// encoding/json sorts map keys, which makes the serialization canonical.
func groupHash(builders map[string]map[string]interface{}) (string, error) {
	b, err := json.Marshal(map[string]interface{}{"builders": builders})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Parse reads and flattens a gatekeeper config. The input is json5; plain
// JSON remains valid. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	var raw rawFile
	if err := json5.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("Failed to decode gatekeeper config: %s", err)
	}
	for name, cat := range raw.Categories {
		if err := validateKeys(cat, false, fmt.Sprintf("category %q", name)); err != nil {
			return nil, err
		}
	}
	cfg := Config{}
	for masterURL, entries := range raw.Masters {
		groups := make([]*SectionGroup, 0, len(entries))
		for i, entry := range entries {
			where := fmt.Sprintf("master %s section %d", masterURL, i)
			if err := validateKeys(entry, true, where); err != nil {
				return nil, err
			}
			defaults := map[string]interface{}{}
			for k, v := range entry {
				if k != "builders" {
					defaults[k] = v
				}
			}
			rawBuilders := map[string]map[string]interface{}{}
			if bv, ok := entry["builders"]; ok {
				bm, ok := bv.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("Value of \"builders\" must be an object in %s", where)
				}
				for name, sv := range bm {
					sm, ok := sv.(map[string]interface{})
					if !ok {
						return nil, fmt.Errorf("Builder %q must be an object in %s", name, where)
					}
					if err := validateKeys(sm, false, fmt.Sprintf("%s builder %q", where, name)); err != nil {
						return nil, err
					}
					rawBuilders[name] = sm
				}
			}
			canonical := map[string]map[string]interface{}{}
			secs := map[string]*Section{}
			for name, sec := range rawBuilders {
				merged := map[string]interface{}{}
				mergeInto(merged, sec)
				mergeInto(merged, defaults)
				if err := expandCategories(merged, raw.Categories); err != nil {
					return nil, fmt.Errorf("%s builder %q: %s", where, name, err)
				}
				c, err := canonicalize(merged)
				if err != nil {
					return nil, fmt.Errorf("%s builder %q: %s", where, name, err)
				}
				canonical[name] = c
				secs[name] = sectionFromCanonical(c)
			}
			if len(secs) == 0 {
				continue
			}
			hash, err := groupHash(canonical)
			if err != nil {
				return nil, err
			}
			for _, sec := range secs {
				sec.Hash = hash
			}
			groups = append(groups, &SectionGroup{Hash: hash, Builders: secs})
		}
		cfg[masterURL] = groups
	}
	return cfg, nil
}

// Load reads and flattens the gatekeeper config at the given path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to open gatekeeper config %s: %s", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to load gatekeeper config %s: %s", path, err)
	}
	return cfg, nil
}

// LoadEmoji reads a json5 list of emoji used in the reopen message.
func LoadEmoji(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var emoji []string
	if err := json5.NewDecoder(f).Decode(&emoji); err != nil {
		return nil, err
	}
	return emoji, nil
}

// FlattenToJSON dumps the flattened config for debugging.
func FlattenToJSON(cfg Config, w io.Writer) error {
	type flatSection struct {
		Hash               string   `json:"section_hash"`
		ClosingSteps       []string `json:"closing_steps"`
		ClosingOptional    []string `json:"closing_optional"`
		ForgivingSteps     []string `json:"forgiving_steps"`
		ForgivingOptional  []string `json:"forgiving_optional"`
		ExcludedSteps      []string `json:"excluded_steps"`
		ExcludedBuilders   []string `json:"excluded_builders"`
		TreeNotify         []string `json:"tree_notify"`
		SheriffClasses     []string `json:"sheriff_classes"`
		SubjectTemplate    string   `json:"subject_template"`
		StatusTemplate     string   `json:"status_template"`
		CloseTree          bool     `json:"close_tree"`
		ForgiveAll         bool     `json:"forgive_all"`
		RespectBuildStatus bool     `json:"respect_build_status"`
	}
	out := map[string][]map[string]*flatSection{}
	for masterURL, groups := range cfg {
		for _, g := range groups {
			flat := map[string]*flatSection{}
			for name, s := range g.Builders {
				flat[name] = &flatSection{
					Hash:               s.Hash,
					ClosingSteps:       s.ClosingSteps,
					ClosingOptional:    s.ClosingOptional,
					ForgivingSteps:     s.ForgivingSteps,
					ForgivingOptional:  s.ForgivingOptional,
					ExcludedSteps:      s.ExcludedSteps,
					ExcludedBuilders:   s.ExcludedBuilders,
					TreeNotify:         s.TreeNotify,
					SheriffClasses:     s.SheriffClasses,
					SubjectTemplate:    s.SubjectTemplate,
					StatusTemplate:     s.StatusTemplate,
					CloseTree:          s.CloseTree,
					ForgiveAll:         s.ForgiveAll,
					RespectBuildStatus: s.RespectBuildStatus,
				}
			}
			out[masterURL] = append(out[masterURL], flat)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

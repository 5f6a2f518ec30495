package catalog

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fruitsalade/peershare/internal/logging"
)

// Policy decides which local files are advertised.
type Policy struct {
	ExcludedFolders []string `json:"excluded_folders"`
	ExcludedMasks   []string `json:"excluded_masks"`
	RootOnly        bool     `json:"root_only"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (p Policy) Clone() Policy {
	return Policy{
		ExcludedFolders: append([]string(nil), p.ExcludedFolders...),
		ExcludedMasks:   append([]string(nil), p.ExcludedMasks...),
		RootOnly:        p.RootOnly,
	}
}

// ExcludesDir reports whether dir is an excluded folder or lies beneath one.
// Matching is per path component, so /data/music does not exclude /data/musicals.
func (p Policy) ExcludesDir(dir string) bool {
	dir = filepath.Clean(dir)
	for _, ex := range p.ExcludedFolders {
		if ex == "" {
			continue
		}
		ex = filepath.Clean(ex)
		if dir == ex || strings.HasPrefix(dir, ex+string(filepath.Separator)) {
			return true
		}
		// The filesystem root is its own separator.
		if ex == string(filepath.Separator) {
			return true
		}
	}
	return false
}

// ExcludesName reports whether a file name matches any excluded mask.
func (p Policy) ExcludesName(name string) bool {
	return p.Matcher().Match(name)
}

// Matcher compiles the masks once for repeated matching.
func (p Policy) Matcher() *MaskMatcher {
	m := &MaskMatcher{}
	for _, mask := range p.ExcludedMasks {
		re, err := CompileMask(mask)
		if err != nil {
			logging.Named("catalog").Warn("ignoring invalid mask", logging.String("mask", mask), logging.Err(err))
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	return m
}

// MaskMatcher matches lower-cased file names against compiled masks.
type MaskMatcher struct {
	patterns []*regexp.Regexp
}

// Match reports whether name matches any mask.
func (m *MaskMatcher) Match(name string) bool {
	lower := strings.ToLower(name)
	for _, re := range m.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// CompileMask turns a glob-style mask into an anchored, case-folded regexp.
// '*' matches any run of characters and '?' a single character; everything
// else is literal.
func CompileMask(mask string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(mask)))
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.Compile("^" + quoted + "$")
}

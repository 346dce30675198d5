package job

import (
	"fmt"
	"hash/fnv"
	"maps"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Page is the test tree of one tested URL.
type Page struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	Start      time.Time      `json:"start"`
	End        *time.Time     `json:"end,omitempty"`
	IsOpa      bool           `json:"isOpa"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	Count      int            `json:"count"`
	Modules    []*Module      `json:"modules"`
	EarlyStart bool           `json:"earlyStart,omitempty"`
	Report     map[string]any `json:"report,omitempty"`
}

// Module groups the tests of one QUnit module.
type Module struct {
	Name  string  `json:"name"`
	Tests []*Test `json:"tests"`
}

// Test is one QUnit test.
type Test struct {
	Name       string           `json:"name"`
	TestID     string           `json:"testId"`
	Start      *time.Time       `json:"start,omitempty"`
	End        *time.Time       `json:"end,omitempty"`
	Logs       []map[string]any `json:"logs,omitempty"`
	Screenshot string           `json:"screenshot,omitempty"`
	Report     map[string]any   `json:"report,omitempty"`
	Skip       bool             `json:"skip,omitempty"`
}

// Completed reports whether the page received its final report.
func (p *Page) Completed() bool {
	return p.Report != nil
}

// RecordedTests returns the number of tests currently known on the page.
func (p *Page) RecordedTests() int {
	n := 0
	for _, m := range p.Modules {
		n += len(m.Tests)
	}
	return n
}

// FindTest returns the test with the given id and its module.
func (p *Page) FindTest(testID string) (*Module, *Test) {
	for _, m := range p.Modules {
		for _, t := range m.Tests {
			if t.TestID == testID {
				return m, t
			}
		}
	}
	return nil, nil
}

// FindModule returns the module with the given name.
func (p *Page) FindModule(name string) *Module {
	for _, m := range p.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	cp := *p
	if p.End != nil {
		end := *p.End
		cp.End = &end
	}
	cp.Report = maps.Clone(p.Report)
	cp.Modules = make([]*Module, len(p.Modules))
	for i, m := range p.Modules {
		mc := &Module{Name: m.Name, Tests: make([]*Test, len(m.Tests))}
		for k, t := range m.Tests {
			tc := *t
			tc.Logs = make([]map[string]any, len(t.Logs))
			for l, entry := range t.Logs {
				tc.Logs[l] = maps.Clone(entry)
			}
			tc.Report = maps.Clone(t.Report)
			mc.Tests[k] = &tc
		}
		cp.Modules[i] = mc
	}
	return &cp
}

// StripHash removes the fragment of a page URL. Fragments only tell
// concurrent client instances apart, they never identify a page.
func StripHash(pageURL string) string {
	if i := strings.IndexByte(pageURL, '#'); i >= 0 {
		return pageURL[:i]
	}
	return pageURL
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Filename turns a URL into a stable name usable as a file or directory name.
// Names that had to be altered carry a hash of the URL, so distinct URLs
// never share a name.
func Filename(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host + u.Path
		if u.RawQuery != "" {
			name += "?" + u.RawQuery
		}
	}
	safe := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if len(safe) > 110 {
		safe = safe[:110]
	}
	if safe == "" {
		safe = "page"
	}
	if safe != name {
		safe = fmt.Sprintf("%s_%08x", safe, fnv32(rawURL))
	}
	return safe
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

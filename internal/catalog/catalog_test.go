package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	plan, ok := c.Plan("popular")
	if !ok {
		t.Fatalf("popular plan missing")
	}
	if plan.Credits != 500 || plan.Bonus != 50 {
		t.Fatalf("unexpected popular plan: %+v", plan)
	}

	svc, ok := c.Service("website_generation")
	if !ok {
		t.Fatalf("website_generation missing")
	}
	if svc.Cost != 10 {
		t.Fatalf("unexpected cost: %+v", svc)
	}

	if _, ok := c.Plan("mega"); ok {
		t.Fatalf("unknown plan resolved")
	}
	if _, ok := c.Service("time_travel"); ok {
		t.Fatalf("unknown service resolved")
	}

	if len(c.Plans()) == 0 || len(c.Services()) == 0 {
		t.Fatalf("listings empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	doc := `
[[plans]]
id = "trial"
credits = 10
bonus = 5
price_cents = 0

[[services]]
key = "export"
cost = 4
description = "Export a site archive"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	plan, ok := c.Plan("trial")
	if !ok || plan.Credits != 10 || plan.Bonus != 5 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if _, ok := c.Service("export"); !ok {
		t.Fatalf("export service missing")
	}
	// An override file replaces the defaults entirely.
	if _, ok := c.Plan("popular"); ok {
		t.Fatalf("defaults leaked into file catalog")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := c.Plan("starter"); !ok {
		t.Fatalf("defaults not returned")
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"duplicate plan": `
[[plans]]
id = "a"
credits = 1
[[plans]]
id = "a"
credits = 2
`,
		"zero cost service": `
[[services]]
key = "free"
cost = 0
`,
		"empty plan id": `
[[plans]]
id = ""
credits = 5
`,
		"negative bonus": `
[[plans]]
id = "a"
credits = 5
bonus = -1
`,
	}

	for name, doc := range cases {
		if _, err := parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

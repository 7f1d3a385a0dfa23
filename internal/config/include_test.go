package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDocumentMergesIncludes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "sources.yaml", `
groups:
  - name: news
    chat: "@news"
    sources:
      - id: hn
        url: https://example.com/hn.xml
`)
	root := writeFile(t, dir, "config.yaml", `
includes:
  - sources.yaml
telegram:
  token: t-123
global:
  interval: 5m
`)

	doc, err := LoadDocument(root)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if doc.Telegram.Token != "t-123" {
		t.Fatalf("token = %q", doc.Telegram.Token)
	}
	if len(doc.Groups) != 1 || doc.Groups[0].Sources[0].ID != "hn" {
		t.Fatalf("groups not merged from include: %+v", doc.Groups)
	}
	if doc.Global.Interval != "5m" {
		t.Fatalf("global.interval = %q", doc.Global.Interval)
	}
}

func TestLoadDocumentRejectsConflictingKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "extra.yaml", "global:\n  interval: 1m\n")
	root := writeFile(t, dir, "config.yaml", `
includes: [extra.yaml]
global:
  interval: 5m
groups: []
`)

	_, err := LoadDocument(root)
	if err == nil || !strings.Contains(err.Error(), `top-level key "global"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadDocumentCircularInclude(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "includes: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "includes: [a.yaml]\n")

	_, err := LoadDocument(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "circular include") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadDocumentMissingInclude(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "includes: [absent.yaml]\n")

	_, err := LoadDocument(root)
	if err == nil || !strings.Contains(err.Error(), "not readable") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadDocumentUnknownKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "grops: []\n")

	if _, err := LoadDocument(root); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestManagerLoadCommit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	root := writeFile(t, dir, "config.json", `{
  "telegram": {"token": "t"},
  "groups": [{"name": "g", "chat": "@c", "sources": [{"id": "s", "url": "https://example.com/f"}]}]
}`)

	m := NewManager(root)
	doc, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != doc {
		t.Fatal("Get should return the committed document")
	}
}

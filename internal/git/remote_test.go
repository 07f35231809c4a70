package git_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/waabox/changegate/internal/git"
)

func TestParseRemoteURL_HTTPS(t *testing.T) {
	url := "https://github.com/acme/payments-api.git"
	scm, err := git.ParseRemoteURL(url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scm.Owner != "acme" {
		t.Errorf("expected owner 'acme', got '%s'", scm.Owner)
	}
	if scm.Name != "payments-api" {
		t.Errorf("expected name 'payments-api', got '%s'", scm.Name)
	}
	if scm.RemoteURL != url {
		t.Errorf("expected remoteURL '%s', got '%s'", url, scm.RemoteURL)
	}
}

func TestParseRemoteURL_SSH(t *testing.T) {
	for _, url := range []string{"git@github.com:acme/payments-api.git", "ssh://git@github.com/acme/payments-api.git"} {
		scm, err := git.ParseRemoteURL(url)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", url, err)
		}
		if scm.Owner != "acme" || scm.Name != "payments-api" {
			t.Errorf("%s: unexpected scm %+v", url, scm)
		}
	}
}

func TestParseRemoteURL_NestedGroups(t *testing.T) {
	scm, err := git.ParseRemoteURL("https://gitlab.com/platform/payments/ledger.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scm.Owner != "platform/payments" {
		t.Errorf("expected owner 'platform/payments', got '%s'", scm.Owner)
	}
	if scm.Name != "ledger" {
		t.Errorf("expected name 'ledger', got '%s'", scm.Name)
	}
}

func TestParseRemoteURL_Invalid(t *testing.T) {
	for _, url := range []string{"not-a-url", "https://github.com/onlyowner", "git@github.com"} {
		if _, err := git.ParseRemoteURL(url); err == nil {
			t.Errorf("expected error for %q, got nil", url)
		}
	}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, ".git", filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const originConfig = `[core]
	repositoryformatversion = 0
[remote "origin"]
	url = https://github.com/acme/payments-api.git
	fetch = +refs/heads/*:refs/remotes/origin/*
`

func TestDetectSCM_ReadsOriginBranchAndCommit(t *testing.T) {
	dir := writeRepo(t, map[string]string{
		"config":                 originConfig,
		"HEAD":                   "ref: refs/heads/release/1.4\n",
		"refs/heads/release/1.4": "3f2c9e1a7b\n",
	})

	scm, err := git.DetectSCM(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scm.Owner != "acme" || scm.Name != "payments-api" {
		t.Errorf("unexpected repository: %+v", scm)
	}
	if scm.Branch != "release/1.4" {
		t.Errorf("expected branch 'release/1.4', got '%s'", scm.Branch)
	}
	if scm.Commit != "3f2c9e1a7b" {
		t.Errorf("expected commit '3f2c9e1a7b', got '%s'", scm.Commit)
	}
}

func TestDetectSCM_PackedRefsAndDetachedHead(t *testing.T) {
	packed := writeRepo(t, map[string]string{
		"config":      originConfig,
		"HEAD":        "ref: refs/heads/main\n",
		"packed-refs": "# pack-refs with: peeled\nabc123 refs/heads/main\n",
	})
	scm, err := git.DetectSCM(packed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scm.Branch != "main" || scm.Commit != "abc123" {
		t.Errorf("unexpected head: %+v", scm)
	}

	detached := writeRepo(t, map[string]string{"config": originConfig, "HEAD": "def456\n"})
	scm, err = git.DetectSCM(detached)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scm.Branch != "" || scm.Commit != "def456" {
		t.Errorf("unexpected detached head: %+v", scm)
	}
}

func TestDetectSCM_NoOrigin(t *testing.T) {
	dir := writeRepo(t, map[string]string{"config": "[core]\n"})
	if _, err := git.DetectSCM(dir); err == nil {
		t.Fatal("expected error without origin remote")
	}
}

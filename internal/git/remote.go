package git

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/waabox/changegate/internal/domain"
)

// DetectSCM reads the .git directory of a job workspace and returns the
// origin remote together with the checked-out branch and commit.
func DetectSCM(dir string) (domain.SCMInfo, error) {
	gitDir := filepath.Join(dir, ".git")
	remote, err := originURL(filepath.Join(gitDir, "config"))
	if err != nil {
		return domain.SCMInfo{}, err
	}
	info, err := ParseRemoteURL(remote)
	if err != nil {
		return domain.SCMInfo{}, err
	}
	info.Branch, info.Commit = head(gitDir)
	return info, nil
}

func originURL(configPath string) (string, error) {
	f, err := os.Open(configPath)
	if err != nil {
		return "", fmt.Errorf("could not open .git/config: %w", err)
	}
	defer f.Close()

	var inOrigin bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == `[remote "origin"]` {
			inOrigin = true
			continue
		}
		if inOrigin && strings.HasPrefix(line, "[") {
			break
		}
		if inOrigin && strings.HasPrefix(line, "url") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", errors.New("no origin remote found in .git/config")
}

// head returns the branch and commit HEAD points at. A detached HEAD has no
// branch. Missing refs yield empty values.
func head(gitDir string) (branch, commit string) {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", ""
	}
	ref := strings.TrimSpace(string(data))
	if !strings.HasPrefix(ref, "ref: ") {
		return "", ref
	}
	ref = strings.TrimPrefix(ref, "ref: ")
	branch = strings.TrimPrefix(ref, "refs/heads/")
	if data, err := os.ReadFile(filepath.Join(gitDir, filepath.FromSlash(ref))); err == nil {
		return branch, strings.TrimSpace(string(data))
	}
	return branch, packedRef(filepath.Join(gitDir, "packed-refs"), ref)
}

func packedRef(path, ref string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[1] == ref {
			return fields[0]
		}
	}
	return ""
}

// ParseRemoteURL parses a git remote URL into SCM metadata.
// Supports HTTPS (https://github.com/owner/repo.git) and SSH (git@github.com:owner/repo.git,
// ssh://git@host/owner/repo.git). Nested groups end up in Owner ("group/subgroup").
// The RemoteURL field preserves the original input URL unchanged.
func ParseRemoteURL(rawURL string) (domain.SCMInfo, error) {
	originalURL := rawURL
	normalized := strings.TrimSuffix(strings.TrimSuffix(rawURL, "/"), ".git")

	var path string
	switch {
	case strings.HasPrefix(normalized, "git@"):
		// SSH format: git@github.com:owner/repo
		parts := strings.SplitN(strings.TrimPrefix(normalized, "git@"), ":", 2)
		if len(parts) != 2 {
			return domain.SCMInfo{}, fmt.Errorf("invalid SSH remote URL: %s", rawURL)
		}
		path = parts[1]
	case strings.HasPrefix(normalized, "https://"), strings.HasPrefix(normalized, "http://"), strings.HasPrefix(normalized, "ssh://"):
		withoutScheme := normalized[strings.Index(normalized, "://")+3:]
		parts := strings.SplitN(withoutScheme, "/", 2)
		if len(parts) != 2 {
			return domain.SCMInfo{}, fmt.Errorf("invalid remote URL: %s", rawURL)
		}
		path = parts[1]
	default:
		return domain.SCMInfo{}, fmt.Errorf("unsupported remote URL format: %s", rawURL)
	}

	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return domain.SCMInfo{}, fmt.Errorf("invalid remote URL path: %s", path)
	}
	return domain.SCMInfo{
		Owner:     path[:i],
		Name:      path[i+1:],
		RemoteURL: originalURL,
	}, nil
}

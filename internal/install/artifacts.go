// Package install drives k3s installation: the server on the control-plane
// node first, then agents on the workers using the join token the server
// produced. Every install is idempotent; an already-active service
// short-circuits the installer.
package install

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifacts are the two files a run persists to the working directory: the
// raw join token and the loopback-rewritten kubeconfig. A later agents-only
// invocation reuses the token file instead of re-running the server install.
type Artifacts struct {
	Dir            string
	TokenFile      string
	KubeconfigFile string
}

func (a Artifacts) tokenPath() string {
	return filepath.Join(a.Dir, a.TokenFile)
}

func (a Artifacts) kubeconfigPath() string {
	return filepath.Join(a.Dir, a.KubeconfigFile)
}

// SaveToken persists the join token.
func (a Artifacts) SaveToken(token string) error {
	if err := os.WriteFile(a.tokenPath(), []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to save token to %s: %w", a.tokenPath(), err)
	}
	return nil
}

// LoadToken reads a previously persisted join token.
func (a Artifacts) LoadToken() (string, error) {
	data, err := os.ReadFile(a.tokenPath())
	if err != nil {
		return "", fmt.Errorf("failed to read token from %s: %w", a.tokenPath(), err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", a.tokenPath())
	}
	return token, nil
}

// SaveKubeconfig rewrites loopback addresses to the control-plane's real
// address and persists the result. The substitution is textual; everything
// else passes through verbatim.
func (a Artifacts) SaveKubeconfig(kubeconfig, addr string) error {
	rewritten := RewriteLoopback(kubeconfig, addr)
	if err := os.WriteFile(a.kubeconfigPath(), []byte(rewritten), 0o600); err != nil {
		return fmt.Errorf("failed to save kubeconfig to %s: %w", a.kubeconfigPath(), err)
	}
	return nil
}

// RewriteLoopback replaces the loopback literal and hostname alias with the
// given address. The server writes its client config pointing at itself; the
// persisted artifact must point at the externally reachable address instead.
func RewriteLoopback(text, addr string) string {
	text = strings.ReplaceAll(text, "127.0.0.1", addr)
	text = strings.ReplaceAll(text, "localhost", addr)
	return text
}

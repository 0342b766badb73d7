package k8s

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://kube.example:6443
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: abc
`

func TestBuildConfigFromFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	cfg, err := BuildConfigFromFlags("", path)
	require.NoError(t, err)
	require.Equal(t, "https://kube.example:6443", cfg.Host)

	cfg, err = BuildConfigFromFlags("https://override:6443", path)
	require.NoError(t, err)
	require.Equal(t, "https://override:6443", cfg.Host)
}

func TestNewClientset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	cs, err := NewClientset(path)
	require.NoError(t, err)
	require.NotNil(t, cs.CoordinationV1())
}

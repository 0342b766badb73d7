package k8s

import (
	"context"

	"k8s.io/client-go/kubernetes"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

// BuildConfigFromFlags builds a rest config from a master url or a kubeconfig path.  With neither it uses the
// in-cluster config and falls back to the default loading rules when not running in a pod.
func BuildConfigFromFlags(masterUrl, kubeconfigPath string) (*restclient.Config, error) {
	if kubeconfigPath == "" && masterUrl == "" {
		kubeconfig, err := restclient.InClusterConfig()
		if err == nil {
			return kubeconfig, nil
		}
		logger.Warnf("Error creating inClusterConfig, falling back to default config: %s", err)
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
		&clientcmd.ConfigOverrides{ClusterInfo: clientcmdapi.Cluster{Server: masterUrl}}).ClientConfig()
}

// NewClientset returns a clientset whose API warnings go to the process logger.
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, err
	}
	cfg.WarningHandler = WarningLogger{}
	cfg.UserAgent = "indexctl"
	return kubernetes.NewForConfig(cfg)
}

type WarningLogger struct{}

func (WarningLogger) HandleWarningHeader(code int, agent string, message string) {
	logWarning(code, agent, message)
}

func (WarningLogger) HandleWarningHeaderWithContext(_ context.Context, code int, agent string, message string) {
	logWarning(code, agent, message)
}

func logWarning(code int, agent string, message string) {
	if code != 299 || message == "" {
		return
	}

	if agent != "" {
		logger.Warnf("client-go: (%s): %s", agent, message)
		return
	}

	logger.Warnf("client-go: <unknown>: %s", message)
}

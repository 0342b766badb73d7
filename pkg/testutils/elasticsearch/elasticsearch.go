package elasticsearch

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const DefaultImage = "docker.elastic.co/elasticsearch/elasticsearch:7.17.22"

type Container struct {
	testcontainers.Container
}

// Run starts a single node cluster with security disabled.  Pass WithImage to pin another version.
func Run(ctx context.Context, opts ...testcontainers.ContainerCustomizer) (*Container, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultImage,
		ExposedPorts: []string{"9200/tcp"},
		Env: map[string]string{
			"discovery.type":         "single-node",
			"xpack.security.enabled": "false",
			"ES_JAVA_OPTS":           "-Xms512m -Xmx512m",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("9200/tcp"),
			wait.ForHTTP("/_cluster/health?wait_for_status=yellow").WithPort("9200/tcp"),
		).WithDeadline(3 * time.Minute),
	}
	genericContainerReq := testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	}

	for _, opt := range opts {
		if err := opt.Customize(&genericContainerReq); err != nil {
			return nil, err
		}
	}

	container, err := testcontainers.GenericContainer(ctx, genericContainerReq)
	var c *Container
	if container != nil {
		c = &Container{Container: container}
	}

	if err != nil {
		return c, fmt.Errorf("generic container: %w", err)
	}

	return c, nil
}

func WithImage(img string) testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		req.Image = img
		return nil
	}
}

// URL returns the http address of the node as seen from the host.
func (c *Container) URL(ctx context.Context) (string, error) {
	return c.PortEndpoint(ctx, "9200/tcp", "http")
}

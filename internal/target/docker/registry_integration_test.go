//go:build integration

package docker

import (
	"context"
	"fmt"
	"io"
	"publishsync/internal/testutil"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/go-cmp/cmp"
)

const testImage = "alpine:latest"

func TestRegistry_LabeledContainers(t *testing.T) {
	ctx := context.Background()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Failed to create docker client: %v", err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, testImage, image.PullOptions{})
	if err != nil {
		t.Fatalf("Failed to pull %s: %v", testImage, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cfg := testConfig()
	cfg.LabelPrefix = fmt.Sprintf("publishsync-it-%d", time.Now().UnixNano())
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	defer r.Close()

	if err := r.Ready(ctx); err != nil {
		t.Fatalf("Docker daemon not ready: %v", err)
	}

	for _, key := range []string{"shop", "shop/web", "blog"} {
		resp, err := cli.ContainerCreate(ctx, &container.Config{
			Image:  testImage,
			Cmd:    []string{"true"},
			Labels: r.Labels(mustPath(key)),
		}, nil, nil, nil, "")
		if err != nil {
			t.Fatalf("Failed to create container for %s: %v", key, err)
		}
		t.Cleanup(func() {
			_ = cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		})
	}

	var got []string
	testutil.MustWaitFor(t, func() bool {
		r.Invalidate()
		paths, err := r.TrackedPathsUnder(ctx, mustPath("shop"))
		if err != nil {
			return false
		}
		got = keys(paths)
		return len(got) == 2
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(200*time.Millisecond))

	if diff := cmp.Diff([]string{"shop", "shop/web"}, got); diff != "" {
		t.Errorf("tracked paths mismatch (-want +got):\n%s", diff)
	}
}

package dockerrt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/build"
	goarchive "github.com/moby/go-archive"
)

// BuildWorkerImage builds the worker image from the current directory's
// Dockerfile.worker.
func (r *Runtime) BuildWorkerImage(ctx context.Context) error {
	cwd, _ := os.Getwd()

	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := r.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{r.cfg.Image},
		Dockerfile: "Dockerfile.worker",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("worker image built", "image", r.cfg.Image)
	return nil
}

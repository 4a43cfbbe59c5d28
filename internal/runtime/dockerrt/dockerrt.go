// Package dockerrt runs agent workers as Docker containers. Control
// traffic and worker reports travel over NATS topics; the container
// only needs the broker URL and its own id.
package dockerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/nats-io/nats.go"

	"github.com/davidkimai/godel-sub001/internal/config"
	"github.com/davidkimai/godel-sub001/internal/natsbridge"
	"github.com/davidkimai/godel-sub001/internal/runtime"
)

const (
	labelPrefix = "godel"
	networkName = "godel-net"
)

type containerInfo struct {
	id   string
	sub  *nats.Subscription
	name string
}

type Runtime struct {
	docker  *client.Client
	nats    *natsbridge.Client
	natsURL string
	cfg     config.RuntimeConfig
	baseEnv map[string]string // decrypted credentials handed to every worker

	mu          sync.Mutex
	active      map[string]*containerInfo
	networkName string

	events chan runtime.Event
}

func New(natsClient *natsbridge.Client, natsURL string, cfg config.RuntimeConfig, baseEnv map[string]string) (*Runtime, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Runtime{
		docker:  docker,
		nats:    natsClient,
		natsURL: natsURL,
		cfg:     cfg,
		baseEnv: baseEnv,
		active:  make(map[string]*containerInfo),
		events:  make(chan runtime.Event, 256),
	}, nil
}

func (r *Runtime) ensureNetwork(ctx context.Context) error {
	if r.networkName != "" {
		return nil
	}

	_, err := r.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		r.networkName = networkName
		return nil
	}

	_, err = r.docker.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	r.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

func (r *Runtime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.active[spec.AgentID]; ok {
		return runtime.Handle{AgentID: spec.AgentID, ID: info.id}, nil
	}

	if err := r.ensureNetwork(ctx); err != nil {
		return runtime.Handle{}, err
	}

	// Worker reports arrive on its output topic; relay them to the
	// shared event stream in broker order.
	sub, err := r.nats.Subscribe(natsbridge.TopicWorkerOutput(spec.AgentID), func(msg *nats.Msg) {
		var ev runtime.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("malformed worker report", "agent", spec.AgentID, "error", err)
			return
		}
		ev.AgentID = spec.AgentID
		r.events <- ev
	})
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("subscribe worker output: %w", err)
	}

	containerName := fmt.Sprintf("godel-agent-%s", spec.AgentID)

	// Remove any stale container with the same name
	stopTimeout := 5
	_ = r.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &stopTimeout})
	_ = r.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", r.natsURL),
		fmt.Sprintf("AGENT_ID=%s", spec.AgentID),
		fmt.Sprintf("SWARM_ID=%s", spec.SwarmID),
		fmt.Sprintf("AGENT_TASK=%s", spec.Task),
	}
	if spec.Model != "" {
		env = append(env, fmt.Sprintf("AGENT_MODEL=%s", spec.Model))
	}
	for k, v := range r.baseEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &dockercontainer.Config{
		Image: r.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   spec.AgentID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(r.networkName),
	}
	if spec.Workspace != "" {
		hostCfg.Binds = []string{spec.Workspace + ":/workspace"}
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		_ = sub.Unsubscribe()
		return runtime.Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = sub.Unsubscribe()
		_ = r.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return runtime.Handle{}, fmt.Errorf("start container: %w", err)
	}

	r.active[spec.AgentID] = &containerInfo{id: resp.ID, sub: sub, name: containerName}
	slog.Info("agent container started", "agent", spec.AgentID, "container", resp.ID[:12])
	return runtime.Handle{AgentID: spec.AgentID, ID: resp.ID}, nil
}

func (r *Runtime) Send(ctx context.Context, h runtime.Handle, msg runtime.Message) error {
	topic := natsbridge.TopicWorkerInput(h.AgentID)
	if msg.Meta["control"] != "" {
		topic = natsbridge.TopicWorkerControl(h.AgentID)
	}
	if err := r.nats.PublishJSON(topic, msg); err != nil {
		return fmt.Errorf("send to worker %s: %w", h.AgentID, err)
	}
	return r.nats.Flush()
}

func (r *Runtime) Stop(ctx context.Context, h runtime.Handle) error {
	r.mu.Lock()
	info, ok := r.active[h.AgentID]
	delete(r.active, h.AgentID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	_ = info.sub.Unsubscribe()

	stopTimeout := 10
	if err := r.docker.ContainerStop(ctx, info.id, dockercontainer.StopOptions{Timeout: &stopTimeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", info.id[:12], "error", err)
	}
	if err := r.docker.ContainerRemove(ctx, info.id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", info.id[:12], "error", err)
	}
	slog.Info("agent container stopped", "agent", h.AgentID)
	return nil
}

func (r *Runtime) Events() <-chan runtime.Event {
	return r.events
}

// CleanupStale removes labeled containers left over from a previous
// process that the runtime no longer tracks.
func (r *Runtime) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	r.mu.Lock()
	activeIDs := make(map[string]bool)
	for _, info := range r.active {
		activeIDs[info.id] = true
	}
	r.mu.Unlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (r *Runtime) Close() error {
	ctx := context.Background()
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Stop(ctx, runtime.Handle{AgentID: id})
	}
	close(r.events)
	return nil
}

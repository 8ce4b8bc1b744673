package launcher

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

const managedLabel = "r5.managed"

// Docker launches worker-agent containers on a local or remote Docker
// daemon. It is the closest thing to a cloud launcher that runs on a laptop:
// the broker's spot/on-demand split is preserved as a label so operators can
// tell requested roles apart when listing containers.
type Docker struct {
	cli       *client.Client
	image     string
	brokerURL string
	network   string
	log       *slog.Logger
}

func NewDocker(workerImage, brokerURL, dockerNetwork string, log *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Docker{cli: cli, image: workerImage, brokerURL: brokerURL, network: dockerNetwork, log: log}, nil
}

var _ WorkerLauncher = (*Docker)(nil)

func (d *Docker) Launch(category clusterapi.WorkerCategory, tags map[string]string, nOnDemand, nSpot int) {
	go func() {
		for i := 0; i < nOnDemand; i++ {
			d.startOne(category, tags, "on-demand")
		}
		for i := 0; i < nSpot; i++ {
			d.startOne(category, tags, "spot")
		}
	}()
}

func (d *Docker) startOne(category clusterapi.WorkerCategory, tags map[string]string, role string) {
	ctx, cancel := launchContext()
	defer cancel()

	workerID := "r5-worker-" + uuid.New().String()
	labels := map[string]string{
		managedLabel: "true",
		"r5.network": category.NetworkID,
		"r5.version": category.WorkerVersion,
		"r5.role":    role,
	}
	for k, v := range tags {
		labels["r5.tag."+k] = v
	}
	cfg := &container.Config{
		Image: d.image,
		Env: []string{
			"R5_BROKER_URL=" + d.brokerURL,
			"R5_NETWORK_ID=" + category.NetworkID,
			"R5_WORKER_VERSION=" + category.WorkerVersion,
			"R5_WORKER_ID=" + workerID,
		},
		Labels: labels,
	}
	hostCfg := &container.HostConfig{NetworkMode: container.NetworkMode(d.network)}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, workerID)
	if client.IsErrNotFound(err) {
		reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if pullErr != nil {
			d.log.Error("pull worker image", "image", d.image, "error", pullErr)
			return
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, workerID)
	}
	if err != nil {
		d.log.Error("create worker container", "category", category, "error", err)
		return
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		d.log.Error("start worker container", "category", category, "error", err)
		return
	}
	d.log.Info("started worker container", "category", category, "role", role, "container", resp.ID[:12])
}

// ListManaged returns the ids of containers this launcher started, for
// operator tooling.
func (d *Docker) ListManaged() ([]string, error) {
	ctx, cancel := launchContext()
	defer cancel()
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

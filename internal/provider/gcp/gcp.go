// Package gcp implements provider.Provider against Google Cloud
// Compute Engine.  It manages the gcp_instance resource type: one VM
// per resource, labels updatable in place, everything else (machine
// type, image, disk, network) immutable and replaced.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/reconcile/internal/provider"
)

// TypeInstance is the resource type for managed Compute Engine VMs.
const TypeInstance = "gcp_instance"

const opTimeout = 15 * time.Minute

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where instances are created (required).
	Zone string
}

// Provider manages Compute Engine instances.
type Provider struct {
	client   *compute.InstancesClient
	opClient *compute.ZoneOperationsClient
	cfg      Config
	logger   *slog.Logger
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.TimeoutProvider = (*Provider)(nil)
)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Project == "" || cfg.Zone == "" {
		return nil, fmt.Errorf("gcp provider requires project and zone")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
	)

	return &Provider{
		client:   client,
		opClient: opClient,
		cfg:      cfg,
		logger:   logger.WithGroup("gcp"),
	}, nil
}

// Close releases the API clients.
func (p *Provider) Close() error {
	err := p.client.Close()
	if opErr := p.opClient.Close(); opErr != nil && err == nil {
		err = opErr
	}
	return err
}

// Timeout implements provider.TimeoutProvider.  VM inserts and deletes
// routinely take minutes.
func (p *Provider) Timeout(string) time.Duration {
	return opTimeout
}

// Create inserts a VM and waits for the operation to finish.
func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	if resourceType != TypeInstance {
		return "", nil, fmt.Errorf("gcp provider does not manage resource type %q", resourceType)
	}

	spec, err := instanceSpec(attrs)
	if err != nil {
		return "", nil, &provider.Error{Op: "create", Err: err}
	}

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, spec.machineType)

	// Boot disk from the configured image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(spec.image),
			DiskSizeGb:  proto.Int64(spec.diskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", spec.network)),
	}
	if spec.subnet != "" {
		nic.Subnetwork = proto.String(spec.subnet)
	}
	if spec.publicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
	}
	if len(spec.labels) > 0 {
		instance.Labels = spec.labels
	}
	if spec.serviceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(spec.serviceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	p.logger.Info("creating instance",
		slog.String("name", spec.name),
		slog.String("machine_type", spec.machineType),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", nil, classify("create", fmt.Errorf("insert instance %s: %w", spec.name, err))
	}
	if err := op.Wait(ctx); err != nil {
		return "", nil, classify("create", fmt.Errorf("waiting for instance %s: %w", spec.name, err))
	}

	outputs, err := p.readInstance(ctx, spec.name)
	if err != nil {
		return "", nil, err
	}

	p.logger.Info("instance created", slog.String("name", spec.name))

	// The instance name is the opaque provider ID.
	return spec.name, outputs, nil
}

// Read fetches the instance, returning ErrNotFound when it is gone.
func (p *Provider) Read(ctx context.Context, resourceType, providerID string) (map[string]any, error) {
	if resourceType != TypeInstance {
		return nil, fmt.Errorf("gcp provider does not manage resource type %q", resourceType)
	}
	return p.readInstance(ctx, providerID)
}

func (p *Provider) readInstance(ctx context.Context, name string) (map[string]any, error) {
	instance, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, classify("read", fmt.Errorf("get instance %s: %w", name, err))
	}
	return instanceOutputs(instance), nil
}

// Update applies in-place label changes.  Labels carry a fingerprint
// for optimistic concurrency, so the current instance is fetched first.
func (p *Provider) Update(ctx context.Context, resourceType, providerID string, _, new map[string]any) (map[string]any, error) {
	if resourceType != TypeInstance {
		return nil, fmt.Errorf("gcp provider does not manage resource type %q", resourceType)
	}

	instance, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: providerID,
	})
	if err != nil {
		return nil, classify("update", fmt.Errorf("get instance %s: %w", providerID, err))
	}

	labels := attrLabels(new)
	op, err := p.client.SetLabels(ctx, &computepb.SetLabelsInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: providerID,
		InstancesSetLabelsRequestResource: &computepb.InstancesSetLabelsRequest{
			Labels:           labels,
			LabelFingerprint: instance.LabelFingerprint,
		},
	})
	if err != nil {
		return nil, classify("update", fmt.Errorf("set labels on %s: %w", providerID, err))
	}
	if err := op.Wait(ctx); err != nil {
		return nil, classify("update", fmt.Errorf("waiting for label update on %s: %w", providerID, err))
	}

	p.logger.Info("instance labels updated", slog.String("name", providerID))
	return p.readInstance(ctx, providerID)
}

// Delete removes the VM.  It is idempotent -- deleting an
// already-deleted instance is not an error.
func (p *Provider) Delete(ctx context.Context, resourceType, providerID string) error {
	if resourceType != TypeInstance {
		return fmt.Errorf("gcp provider does not manage resource type %q", resourceType)
	}

	p.logger.Info("deleting instance", slog.String("name", providerID))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: providerID,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		if isNotFound(err) {
			p.logger.Info("instance already deleted", slog.String("name", providerID))
			return nil
		}
		return classify("delete", fmt.Errorf("delete instance %s: %w", providerID, err))
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			p.logger.Info("instance already deleted", slog.String("name", providerID))
			return nil
		}
		return classify("delete", fmt.Errorf("waiting for delete of %s: %w", providerID, err))
	}

	p.logger.Info("instance deleted", slog.String("name", providerID))
	return nil
}

// DiffStrategy: label changes update in place, any other difference
// forces a replacement.
func (p *Provider) DiffStrategy(resourceType string, old, new map[string]any) (provider.Decision, error) {
	if resourceType != TypeInstance {
		return provider.Decision{}, fmt.Errorf("gcp provider does not manage resource type %q", resourceType)
	}

	action := provider.ActionNoOp
	for _, k := range changedKeys(old, new) {
		if k == "labels" {
			action = provider.ActionUpdate
			continue
		}
		return provider.Decision{Action: provider.ActionReplace}, nil
	}
	return provider.Decision{Action: action}, nil
}

// classify wraps a GCP API error with its retry classification.
// Rate limits and server-side faults are transient.
func classify(op string, err error) error {
	return &provider.Error{Op: op, Retryable: isRetryable(err), Err: err}
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  The google-cloud-go compute library wraps googleapi.Error;
// string matching survives library version changes better than
// type-asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{
		"Error 429",
		"Error 500",
		"Error 502",
		"Error 503",
		"code = Unavailable",
		"code = ResourceExhausted",
		"rateLimitExceeded",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

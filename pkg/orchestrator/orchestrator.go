package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/types"
)

// Component names select which deployment of a site an operation
// targets.
const (
	ComponentWordPress = "wordpress"
	ComponentDatabase  = "database"
	ComponentCache     = "cache"
)

// Fixed object names inside a tenant namespace.
const (
	SecretCredentials = "site-credentials"
	SecretTLS         = "site-tls"
)

// Site carries everything the driver needs to name and label a
// tenant's objects.
type Site struct {
	TenantID string
	Domain   string
	PlanTier types.PlanTier
	Refs     types.InfrastructureRef
}

// SiteFor derives the driver view of a tenant.
func SiteFor(tenant *types.Tenant) Site {
	return Site{
		TenantID: tenant.ID,
		Domain:   tenant.Domain,
		PlanTier: tenant.PlanTier,
		Refs:     tenant.Infrastructure,
	}
}

// ExecResult is the captured output of an in-pod command.
type ExecResult struct {
	Stdout []byte
	Stderr []byte
}

// Driver is the infrastructure backend. The kubernetes implementation
// drives a real cluster; the log implementation records intents and is
// the default for development.
type Driver interface {
	// EnsureNamespace creates the tenant namespace with standard labels.
	EnsureNamespace(ctx context.Context, site Site) error

	// EnsureCredentialsSecret writes the site-credentials secret the
	// deployments reference. The driver never logs the values.
	EnsureCredentialsSecret(ctx context.Context, site Site, creds *types.SiteCredentials) error

	// EnsureTLSSecret seeds the TLS keypair the ingress terminates with.
	EnsureTLSSecret(ctx context.Context, site Site, certPEM, keyPEM []byte) error

	// EnsureDatabase creates the MySQL claim, deployment and service.
	EnsureDatabase(ctx context.Context, site Site) error

	// EnsureCache creates the Redis deployment and service. Only plans
	// with ResourcesFor(tier).Cache get one.
	EnsureCache(ctx context.Context, site Site) error

	// EnsureWordPress creates the WordPress claim, deployment and
	// service.
	EnsureWordPress(ctx context.Context, site Site) error

	// EnsureIngress routes the tenant domain to the WordPress service.
	EnsureIngress(ctx context.Context, site Site) error

	// EnsureBackupCronJob installs the nightly in-namespace backup job.
	EnsureBackupCronJob(ctx context.Context, site Site, spec BackupJobSpec) error

	// WaitReady blocks until the component's deployment reports all
	// replicas ready, or the timeout lapses.
	WaitReady(ctx context.Context, site Site, component string, timeout time.Duration) error

	// Scale sets the component's replica count. Suspension scales
	// everything to zero; reactivation restores plan defaults.
	Scale(ctx context.Context, site Site, component string, replicas int32) error

	// PointIngressTo rewrites the ingress backend. Suspension points it
	// at the shared suspension page service, reactivation back at the
	// tenant's WordPress service.
	PointIngressTo(ctx context.Context, site Site, service string, port int32) error

	// SetCronJobSuspended toggles the backup CronJob.
	SetCronJobSuspended(ctx context.Context, site Site, suspended bool) error

	// ExecInPod runs a command inside the component's first ready pod
	// and returns the captured output. Suited to short commands.
	ExecInPod(ctx context.Context, site Site, component string, command []string, stdin io.Reader) (*ExecResult, error)

	// ExecStream runs a command and streams its stdout into the writer
	// instead of buffering it. Exports whose output scales with site
	// size go through this one.
	ExecStream(ctx context.Context, site Site, component string, command []string, stdin io.Reader, stdout io.Writer) error

	// DeleteNamespace tears down the namespace and everything in it.
	// Deleting an absent namespace is not an error.
	DeleteNamespace(ctx context.Context, site Site) error

	// EnsureSuspensionTarget installs the shared suspension landing
	// page in the system namespace. Called once at startup; the
	// per-namespace mirrors alias it.
	EnsureSuspensionTarget(ctx context.Context) error
}

// PlanResources are the per-tier deployment parameters.
type PlanResources struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
	WPStorage     string
	DBStorage     string
	WPReplicas    int32
	// Cache enables the Redis object cache deployment.
	Cache bool
}

// ResourcesFor maps a plan tier to its resource envelope.
func ResourcesFor(tier types.PlanTier) PlanResources {
	switch tier {
	case types.PlanProfessional:
		return PlanResources{
			CPURequest: "250m", CPULimit: "1",
			MemoryRequest: "512Mi", MemoryLimit: "1Gi",
			WPStorage: "10Gi", DBStorage: "10Gi",
			WPReplicas: 1,
			Cache:      true,
		}
	case types.PlanBusiness:
		return PlanResources{
			CPURequest: "500m", CPULimit: "2",
			MemoryRequest: "1Gi", MemoryLimit: "2Gi",
			WPStorage: "20Gi", DBStorage: "20Gi",
			WPReplicas: 2,
			Cache:      true,
		}
	case types.PlanAgency:
		return PlanResources{
			CPURequest: "1", CPULimit: "4",
			MemoryRequest: "2Gi", MemoryLimit: "4Gi",
			WPStorage: "50Gi", DBStorage: "50Gi",
			WPReplicas: 3,
			Cache:      true,
		}
	default: // starter
		return PlanResources{
			CPURequest: "100m", CPULimit: "500m",
			MemoryRequest: "256Mi", MemoryLimit: "512Mi",
			WPStorage: "5Gi", DBStorage: "5Gi",
			WPReplicas: 1,
			Cache:      false,
		}
	}
}

// siteLabels are stamped on every object of a tenant.
func siteLabels(site Site, component string) map[string]string {
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "steward",
		"steward.siteforge.io/tenant":  site.TenantID,
		"steward.siteforge.io/plan":    string(site.PlanTier),
	}
	if component != "" {
		labels["steward.siteforge.io/component"] = component
	}
	return labels
}

// selectorLabels is the stable subset used for pod selectors, which
// must never change once a deployment exists.
func selectorLabels(site Site, component string) map[string]string {
	return map[string]string{
		"steward.siteforge.io/tenant":    site.TenantID,
		"steward.siteforge.io/component": component,
	}
}

// New builds the driver selected by the configuration.
func New(cfg config.OrchestratorConfig) (Driver, error) {
	switch cfg.Mode {
	case "kubernetes":
		return NewKubeDriver(cfg)
	case "log":
		d := NewLogDriver()
		if cfg.SuspensionService != "" {
			d.suspensionSvc = cfg.SuspensionService
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown orchestrator mode %q", cfg.Mode)
	}
}

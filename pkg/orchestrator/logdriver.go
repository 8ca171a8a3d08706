package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/types"
)

// LogDriver records every operation in memory and logs it instead of
// touching a cluster. It backs the "log" orchestrator mode for dry
// runs and local development, and stands in for a cluster in tests.
type LogDriver struct {
	mu             sync.Mutex
	logger         zerolog.Logger
	suspensionSvc  string
	namespaces     map[string]bool
	objects        map[string]bool
	scales         map[string]int32
	suspended      map[string]bool
	ingressBackend map[string]string
	ops            []string

	// FailOn maps an operation name to an error returned whenever that
	// operation runs. Used to exercise rollback paths.
	FailOn map[string]error

	// ExecFunc serves ExecInPod when set. Nil returns empty output.
	ExecFunc func(site Site, component string, command []string, stdin io.Reader) (*ExecResult, error)
}

// NewLogDriver returns an empty recording driver.
func NewLogDriver() *LogDriver {
	return &LogDriver{
		logger:         log.WithComponent("orchestrator"),
		suspensionSvc:  "steward-suspension",
		namespaces:     map[string]bool{},
		objects:        map[string]bool{},
		scales:         map[string]int32{},
		suspended:      map[string]bool{},
		ingressBackend: map[string]string{},
		FailOn:         map[string]error{},
	}
}

func (d *LogDriver) record(op string, site Site, detail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.FailOn[op]; err != nil {
		metrics.OrchestratorRequests.WithLabelValues(op, "error").Inc()
		return err
	}
	d.ops = append(d.ops, op+" "+site.TenantID)
	metrics.OrchestratorRequests.WithLabelValues(op, "success").Inc()

	event := d.logger.Info().
		Str("tenant_id", site.TenantID).
		Str("operation", op)
	if detail != "" {
		event = event.Str("detail", detail)
	}
	event.Msg("Orchestrator operation recorded")
	return nil
}

func (d *LogDriver) put(kind, namespace, name string) {
	d.mu.Lock()
	d.objects[namespace+"/"+kind+"/"+name] = true
	d.mu.Unlock()
}

// Has reports whether an object of the kind was ensured in the
// namespace.
func (d *LogDriver) Has(kind, namespace, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects[namespace+"/"+kind+"/"+name]
}

// HasNamespace reports whether the namespace exists.
func (d *LogDriver) HasNamespace(namespace string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namespaces[namespace]
}

// Ops returns the recorded operation sequence.
func (d *LogDriver) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ops))
	copy(out, d.ops)
	return out
}

// ScaleOf returns the last recorded replica count for the component.
func (d *LogDriver) ScaleOf(namespace, component string) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.scales[namespace+"/"+component]
	return n, ok
}

// IngressBackend returns the last recorded backend for the namespace.
func (d *LogDriver) IngressBackend(namespace string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ingressBackend[namespace]
}

// CronJobSuspended reports the recorded suspension flag.
func (d *LogDriver) CronJobSuspended(namespace string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended[namespace]
}

func (d *LogDriver) EnsureNamespace(ctx context.Context, site Site) error {
	if err := d.record("ensure_namespace", site, site.Refs.Namespace); err != nil {
		return err
	}
	d.mu.Lock()
	d.namespaces[site.Refs.Namespace] = true
	d.mu.Unlock()
	d.put("service", site.Refs.Namespace, d.suspensionSvc)
	return nil
}

func (d *LogDriver) EnsureCredentialsSecret(ctx context.Context, site Site, creds *types.SiteCredentials) error {
	if err := d.record("ensure_credentials_secret", site, SecretCredentials); err != nil {
		return err
	}
	d.put("secret", site.Refs.Namespace, SecretCredentials)
	return nil
}

func (d *LogDriver) EnsureTLSSecret(ctx context.Context, site Site, certPEM, keyPEM []byte) error {
	if err := d.record("ensure_tls_secret", site, SecretTLS); err != nil {
		return err
	}
	d.put("secret", site.Refs.Namespace, SecretTLS)
	return nil
}

func (d *LogDriver) EnsureDatabase(ctx context.Context, site Site) error {
	if err := d.record("ensure_database", site, site.Refs.DBDeployment); err != nil {
		return err
	}
	d.put("pvc", site.Refs.Namespace, site.Refs.DBVolumeClaim)
	d.put("deployment", site.Refs.Namespace, site.Refs.DBDeployment)
	d.put("service", site.Refs.Namespace, site.Refs.DBService)
	return nil
}

func (d *LogDriver) EnsureCache(ctx context.Context, site Site) error {
	if err := d.record("ensure_cache", site, cacheName(site)); err != nil {
		return err
	}
	d.put("deployment", site.Refs.Namespace, cacheName(site))
	d.put("service", site.Refs.Namespace, cacheName(site))
	return nil
}

func (d *LogDriver) EnsureWordPress(ctx context.Context, site Site) error {
	if err := d.record("ensure_wordpress", site, site.Refs.WPDeployment); err != nil {
		return err
	}
	d.put("pvc", site.Refs.Namespace, site.Refs.WPVolumeClaim)
	d.put("deployment", site.Refs.Namespace, site.Refs.WPDeployment)
	d.put("service", site.Refs.Namespace, site.Refs.WPService)
	return nil
}

func (d *LogDriver) EnsureIngress(ctx context.Context, site Site) error {
	if err := d.record("ensure_ingress", site, site.Domain); err != nil {
		return err
	}
	d.put("ingress", site.Refs.Namespace, site.Refs.Ingress)
	d.mu.Lock()
	d.ingressBackend[site.Refs.Namespace] = fmt.Sprintf("%s:%d", site.Refs.WPService, 80)
	d.mu.Unlock()
	return nil
}

func (d *LogDriver) EnsureBackupCronJob(ctx context.Context, site Site, spec BackupJobSpec) error {
	if err := d.record("ensure_backup_cronjob", site, spec.Schedule); err != nil {
		return err
	}
	d.put("cronjob", site.Refs.Namespace, site.Refs.BackupCronJob)
	return nil
}

func (d *LogDriver) WaitReady(ctx context.Context, site Site, component string, timeout time.Duration) error {
	return d.record("wait_ready", site, component)
}

func (d *LogDriver) Scale(ctx context.Context, site Site, component string, replicas int32) error {
	if err := d.record("scale", site, fmt.Sprintf("%s=%d", component, replicas)); err != nil {
		return err
	}
	d.mu.Lock()
	d.scales[site.Refs.Namespace+"/"+component] = replicas
	d.mu.Unlock()
	return nil
}

func (d *LogDriver) PointIngressTo(ctx context.Context, site Site, service string, port int32) error {
	if err := d.record("point_ingress", site, fmt.Sprintf("%s:%d", service, port)); err != nil {
		return err
	}
	d.mu.Lock()
	d.ingressBackend[site.Refs.Namespace] = fmt.Sprintf("%s:%d", service, port)
	d.mu.Unlock()
	return nil
}

func (d *LogDriver) SetCronJobSuspended(ctx context.Context, site Site, suspended bool) error {
	if err := d.record("suspend_cronjob", site, fmt.Sprintf("suspended=%t", suspended)); err != nil {
		return err
	}
	d.mu.Lock()
	d.suspended[site.Refs.Namespace] = suspended
	d.mu.Unlock()
	return nil
}

func (d *LogDriver) ExecInPod(ctx context.Context, site Site, component string, command []string, stdin io.Reader) (*ExecResult, error) {
	if err := d.record("exec", site, redactCommand(command)); err != nil {
		return nil, err
	}
	d.mu.Lock()
	fn := d.ExecFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(site, component, command, stdin)
	}
	return &ExecResult{}, nil
}

func (d *LogDriver) ExecStream(ctx context.Context, site Site, component string, command []string, stdin io.Reader, stdout io.Writer) error {
	result, err := d.ExecInPod(ctx, site, component, command, stdin)
	if err != nil {
		return err
	}
	_, err = stdout.Write(result.Stdout)
	return err
}

func (d *LogDriver) EnsureSuspensionTarget(ctx context.Context) error {
	if err := d.record("ensure_suspension_target", Site{}, d.suspensionSvc); err != nil {
		return err
	}
	d.put("deployment", "steward-system", d.suspensionSvc)
	d.put("service", "steward-system", d.suspensionSvc)
	return nil
}

func (d *LogDriver) DeleteNamespace(ctx context.Context, site Site) error {
	if err := d.record("delete_namespace", site, site.Refs.Namespace); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.namespaces, site.Refs.Namespace)
	prefix := site.Refs.Namespace + "/"
	for key := range d.objects {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.objects, key)
		}
	}
	d.mu.Unlock()
	return nil
}

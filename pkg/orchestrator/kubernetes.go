package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/types"
)

// specHashAnnotation carries the hash of the desired spec an object was
// last applied with. Matching hash means nothing to do; a mutation
// outside Ensure (suspension repoint, cronjob pause) rewrites it so the
// next Ensure restores the desired shape.
const specHashAnnotation = "steward.siteforge.io/spec-hash"

// KubeDriver drives a real cluster through client-go.
type KubeDriver struct {
	cfg    config.OrchestratorConfig
	client kubernetes.Interface
	rest   *rest.Config
	build  builders
	logger zerolog.Logger
}

// NewKubeDriver connects using in-cluster config or the configured
// kubeconfig path.
func NewKubeDriver(cfg config.OrchestratorConfig) (*KubeDriver, error) {
	var restCfg *rest.Config
	var err error
	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &KubeDriver{
		cfg:    cfg,
		client: client,
		rest:   restCfg,
		build:  builders{cfg: cfg},
		logger: log.WithComponent("orchestrator"),
	}, nil
}

func specHash(spec interface{}) string {
	return fmt.Sprintf("%d", lo.Must(hashstructure.Hash(spec, hashstructure.FormatV2, nil)))
}

func annotate(meta *metav1.ObjectMeta, hash string) {
	if meta.Annotations == nil {
		meta.Annotations = map[string]string{}
	}
	meta.Annotations[specHashAnnotation] = hash
}

func (d *KubeDriver) observe(operation string, err error) error {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.OrchestratorRequests.WithLabelValues(operation, outcome).Inc()
	return err
}

func (d *KubeDriver) EnsureNamespace(ctx context.Context, site Site) error {
	desired := d.build.namespace(site)
	_, err := d.client.CoreV1().Namespaces().Create(ctx, desired, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		err = nil
	}
	if err != nil {
		return d.observe("ensure_namespace", types.Transient("create namespace", err))
	}
	// The suspension mirror rides along with every namespace so
	// PointIngressTo has a local backend to swing to.
	err = d.ensureService(ctx, d.build.suspensionMirror(site))
	return d.observe("ensure_namespace", err)
}

func (d *KubeDriver) EnsureCredentialsSecret(ctx context.Context, site Site, creds *types.SiteCredentials) error {
	desired := d.build.credentialsSecret(site, creds)
	return d.observe("ensure_credentials_secret", d.ensureSecret(ctx, desired))
}

func (d *KubeDriver) EnsureTLSSecret(ctx context.Context, site Site, certPEM, keyPEM []byte) error {
	desired := d.build.tlsSecret(site, certPEM, keyPEM)
	return d.observe("ensure_tls_secret", d.ensureSecret(ctx, desired))
}

func (d *KubeDriver) ensureSecret(ctx context.Context, desired *corev1.Secret) error {
	hash := specHash(desired.Data)
	annotate(&desired.ObjectMeta, hash)

	secrets := d.client.CoreV1().Secrets(desired.Namespace)
	existing, err := secrets.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, desired, metav1.CreateOptions{})
		return types.Transient("create secret", err)
	}
	if err != nil {
		return types.Transient("get secret", err)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return nil
	}
	desired.ResourceVersion = existing.ResourceVersion
	_, err = secrets.Update(ctx, desired, metav1.UpdateOptions{})
	return types.Transient("update secret", err)
}

func (d *KubeDriver) EnsureDatabase(ctx context.Context, site Site) error {
	if err := d.ensureVolumeClaim(ctx, d.build.volumeClaim(site, site.Refs.DBVolumeClaim, ResourcesFor(site.PlanTier).DBStorage)); err != nil {
		return d.observe("ensure_database", err)
	}
	if err := d.ensureDeployment(ctx, d.build.databaseDeployment(site)); err != nil {
		return d.observe("ensure_database", err)
	}
	return d.observe("ensure_database", d.ensureService(ctx, d.build.databaseService(site)))
}

func (d *KubeDriver) EnsureCache(ctx context.Context, site Site) error {
	if err := d.ensureDeployment(ctx, d.build.cacheDeployment(site)); err != nil {
		return d.observe("ensure_cache", err)
	}
	return d.observe("ensure_cache", d.ensureService(ctx, d.build.cacheService(site)))
}

func (d *KubeDriver) EnsureWordPress(ctx context.Context, site Site) error {
	if err := d.ensureVolumeClaim(ctx, d.build.volumeClaim(site, site.Refs.WPVolumeClaim, ResourcesFor(site.PlanTier).WPStorage)); err != nil {
		return d.observe("ensure_wordpress", err)
	}
	if err := d.ensureDeployment(ctx, d.build.wordpressDeployment(site)); err != nil {
		return d.observe("ensure_wordpress", err)
	}
	return d.observe("ensure_wordpress", d.ensureService(ctx, d.build.wordpressService(site)))
}

func (d *KubeDriver) EnsureIngress(ctx context.Context, site Site) error {
	desired := d.build.ingress(site, site.Refs.WPService, 80)
	return d.observe("ensure_ingress", d.ensureIngress(ctx, desired))
}

func (d *KubeDriver) EnsureBackupCronJob(ctx context.Context, site Site, spec BackupJobSpec) error {
	desired := d.build.backupCronJob(site, spec)
	hash := specHash(desired.Spec)
	annotate(&desired.ObjectMeta, hash)

	jobs := d.client.BatchV1().CronJobs(desired.Namespace)
	existing, err := jobs.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = jobs.Create(ctx, desired, metav1.CreateOptions{})
		return d.observe("ensure_backup_cronjob", types.Transient("create cronjob", err))
	}
	if err != nil {
		return d.observe("ensure_backup_cronjob", types.Transient("get cronjob", err))
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return d.observe("ensure_backup_cronjob", nil)
	}
	desired.ResourceVersion = existing.ResourceVersion
	_, err = jobs.Update(ctx, desired, metav1.UpdateOptions{})
	return d.observe("ensure_backup_cronjob", types.Transient("update cronjob", err))
}

// ensureVolumeClaim creates the claim if absent. Claims are immutable
// after binding, so an existing claim is left untouched.
func (d *KubeDriver) ensureVolumeClaim(ctx context.Context, desired *corev1.PersistentVolumeClaim) error {
	_, err := d.client.CoreV1().PersistentVolumeClaims(desired.Namespace).Create(ctx, desired, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return types.Transient("create pvc", err)
}

func (d *KubeDriver) ensureDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	hash := specHash(desired.Spec)
	annotate(&desired.ObjectMeta, hash)

	deployments := d.client.AppsV1().Deployments(desired.Namespace)
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = deployments.Create(ctx, desired, metav1.CreateOptions{})
		return types.Transient("create deployment", err)
	}
	if err != nil {
		return types.Transient("get deployment", err)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return nil
	}
	desired.ResourceVersion = existing.ResourceVersion
	_, err = deployments.Update(ctx, desired, metav1.UpdateOptions{})
	return types.Transient("update deployment", err)
}

func (d *KubeDriver) ensureService(ctx context.Context, desired *corev1.Service) error {
	hash := specHash(desired.Spec)
	annotate(&desired.ObjectMeta, hash)

	services := d.client.CoreV1().Services(desired.Namespace)
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = services.Create(ctx, desired, metav1.CreateOptions{})
		return types.Transient("create service", err)
	}
	if err != nil {
		return types.Transient("get service", err)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return nil
	}
	// ClusterIP is immutable; carry it over on update.
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.ResourceVersion = existing.ResourceVersion
	_, err = services.Update(ctx, desired, metav1.UpdateOptions{})
	return types.Transient("update service", err)
}

func (d *KubeDriver) ensureIngress(ctx context.Context, desired *networkingv1.Ingress) error {
	hash := specHash(desired.Spec)
	annotate(&desired.ObjectMeta, hash)

	ingresses := d.client.NetworkingV1().Ingresses(desired.Namespace)
	existing, err := ingresses.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = ingresses.Create(ctx, desired, metav1.CreateOptions{})
		return types.Transient("create ingress", err)
	}
	if err != nil {
		return types.Transient("get ingress", err)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return nil
	}
	desired.ResourceVersion = existing.ResourceVersion
	_, err = ingresses.Update(ctx, desired, metav1.UpdateOptions{})
	return types.Transient("update ingress", err)
}

func (d *KubeDriver) WaitReady(ctx context.Context, site Site, component string, timeout time.Duration) error {
	name, err := deploymentName(site, component)
	if err != nil {
		return err
	}

	err = wait.PollUntilContextTimeout(ctx, 5*time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		deployment, err := d.client.AppsV1().Deployments(site.Refs.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if deployment.Status.ObservedGeneration < deployment.Generation {
			return false, nil
		}
		want := int32(1)
		if deployment.Spec.Replicas != nil {
			want = *deployment.Spec.Replicas
		}
		return deployment.Status.ReadyReplicas >= want, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return d.observe("wait_ready", &types.ProvisionTimeoutError{
				Step:     "wait_" + component,
				Ref:      site.Refs.Namespace + "/" + name,
				Deadline: timeout,
			})
		}
		return d.observe("wait_ready", types.Transient("wait ready", err))
	}
	return d.observe("wait_ready", nil)
}

func (d *KubeDriver) Scale(ctx context.Context, site Site, component string, replicas int32) error {
	name, err := deploymentName(site, component)
	if err != nil {
		return err
	}

	deployments := d.client.AppsV1().Deployments(site.Refs.Namespace)
	scale, err := deployments.GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return d.observe("scale", types.Transient("get scale", err))
	}
	if scale.Spec.Replicas == replicas {
		return d.observe("scale", nil)
	}
	scale.Spec.Replicas = replicas
	_, err = deployments.UpdateScale(ctx, name, scale, metav1.UpdateOptions{})
	d.logger.Info().
		Str("tenant_id", site.TenantID).
		Str("component", component).
		Int32("replicas", replicas).
		Msg("Scaled deployment")
	return d.observe("scale", types.Transient("update scale", err))
}

func (d *KubeDriver) PointIngressTo(ctx context.Context, site Site, service string, port int32) error {
	ingresses := d.client.NetworkingV1().Ingresses(site.Refs.Namespace)
	ingress, err := ingresses.Get(ctx, site.Refs.Ingress, metav1.GetOptions{})
	if err != nil {
		return d.observe("point_ingress", types.Transient("get ingress", err))
	}

	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: service,
			Port: networkingv1.ServiceBackendPort{Number: port},
		},
	}
	for i := range ingress.Spec.Rules {
		http := ingress.Spec.Rules[i].HTTP
		if http == nil {
			continue
		}
		for j := range http.Paths {
			http.Paths[j].Backend = backend
		}
	}
	annotate(&ingress.ObjectMeta, specHash(ingress.Spec))

	_, err = ingresses.Update(ctx, ingress, metav1.UpdateOptions{})
	d.logger.Info().
		Str("tenant_id", site.TenantID).
		Str("service", service).
		Msg("Repointed ingress backend")
	return d.observe("point_ingress", types.Transient("update ingress", err))
}

func (d *KubeDriver) SetCronJobSuspended(ctx context.Context, site Site, suspended bool) error {
	jobs := d.client.BatchV1().CronJobs(site.Refs.Namespace)
	job, err := jobs.Get(ctx, site.Refs.BackupCronJob, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return d.observe("suspend_cronjob", nil)
		}
		return d.observe("suspend_cronjob", types.Transient("get cronjob", err))
	}
	job.Spec.Suspend = lo.ToPtr(suspended)
	annotate(&job.ObjectMeta, specHash(job.Spec))
	_, err = jobs.Update(ctx, job, metav1.UpdateOptions{})
	return d.observe("suspend_cronjob", types.Transient("update cronjob", err))
}

func (d *KubeDriver) EnsureSuspensionTarget(ctx context.Context) error {
	deployment, service := d.build.suspensionTarget()
	if err := d.ensureDeployment(ctx, deployment); err != nil {
		return d.observe("ensure_suspension_target", err)
	}
	return d.observe("ensure_suspension_target", d.ensureService(ctx, service))
}

func (d *KubeDriver) DeleteNamespace(ctx context.Context, site Site) error {
	err := d.client.CoreV1().Namespaces().Delete(ctx, site.Refs.Namespace, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}
	if err == nil {
		d.logger.Info().
			Str("tenant_id", site.TenantID).
			Str("namespace", site.Refs.Namespace).
			Msg("Namespace deletion issued")
	}
	return d.observe("delete_namespace", types.Transient("delete namespace", err))
}

// readyPod returns the name of a running, ready pod of the component.
func (d *KubeDriver) readyPod(ctx context.Context, site Site, component string) (string, error) {
	selector := labels.SelectorFromSet(selectorLabels(site, component)).String()
	pods, err := d.client.CoreV1().Pods(site.Refs.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", types.Transient("list pods", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return pod.Name, nil
			}
		}
	}
	return "", types.Transient("find pod", fmt.Errorf("no ready %s pod in %s", component, site.Refs.Namespace))
}

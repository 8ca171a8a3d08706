package orchestrator

import (
	"fmt"
	"path"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/types"
)

// BackupJobSpec parameterizes the in-namespace nightly backup CronJob.
type BackupJobSpec struct {
	Schedule string
	Bucket   string
	Region   string
	// Endpoint is set for MinIO-style deployments, empty for AWS.
	Endpoint string
}

// builders construct the desired Kubernetes objects for a site. They
// are pure so the shapes can be tested without a cluster.
type builders struct {
	cfg config.OrchestratorConfig
}

func (b builders) namespace(site Site) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   site.Refs.Namespace,
			Labels: siteLabels(site, ""),
		},
	}
}

// suspensionMirror is an ExternalName alias for the shared suspension
// page service. Ingress backends can only name services in their own
// namespace, so every tenant namespace carries one.
func (b builders) suspensionMirror(site Site) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.cfg.SuspensionService,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ""),
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeExternalName,
			ExternalName: fmt.Sprintf("%s.%s.svc.cluster.local",
				b.cfg.SuspensionService, b.cfg.SystemNamespace),
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80},
			},
		},
	}
}

// suspensionTarget builds the shared landing page served to suspended
// tenants. It lives in the system namespace; the per-namespace
// ExternalName mirrors alias it.
func (b builders) suspensionTarget() (*appsv1.Deployment, *corev1.Service) {
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "steward",
		"steward.siteforge.io/role":    "suspension-page",
	}
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.cfg.SuspensionService,
			Namespace: b.cfg.SystemNamespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "suspension-page",
						Image: "nginxinc/nginx-unprivileged:1.27-alpine",
						Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: 8080}},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("10m"),
								corev1.ResourceMemory: resource.MustParse("16Mi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("64Mi"),
							},
						},
					}},
				},
			},
		},
	}
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.cfg.SuspensionService,
			Namespace: b.cfg.SystemNamespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80, TargetPort: intstr.FromInt32(8080)},
			},
		},
	}
	return deployment, service
}

func (b builders) credentialsSecret(site Site, creds *types.SiteCredentials) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretCredentials,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ""),
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			"admin-user":       []byte(creds.AdminUser),
			"admin-password":   []byte(creds.AdminPassword),
			"admin-email":      []byte(creds.AdminEmail),
			"db-name":          []byte(creds.DBName),
			"db-user":          []byte(creds.DBUser),
			"db-password":      []byte(creds.DBPassword),
			"db-root-password": []byte(creds.DBRootPassword),
			"cache-password":   []byte(creds.CachePassword),
		},
	}
}

func (b builders) tlsSecret(site Site, certPEM, keyPEM []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretTLS,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ""),
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       certPEM,
			corev1.TLSPrivateKeyKey: keyPEM,
		},
	}
}

func (b builders) volumeClaim(site Site, name, size string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ""),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: lo.ToPtr(b.cfg.StorageClass),
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(size),
				},
			},
		},
	}
}

func secretEnv(name, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: SecretCredentials},
				Key:                  key,
			},
		},
	}
}

func (b builders) databaseDeployment(site Site) *appsv1.Deployment {
	res := ResourcesFor(site.PlanTier)
	labels := siteLabels(site, ComponentDatabase)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.DBDeployment,
			Namespace: site.Refs.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(int32(1)),
			Strategy: appsv1.DeploymentStrategy{
				// A second MySQL pod against the same volume corrupts it.
				Type: appsv1.RecreateDeploymentStrategyType,
			},
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(site, ComponentDatabase)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "mysql",
							Image: b.cfg.MySQLImage,
							Ports: []corev1.ContainerPort{
								{ContainerPort: 3306, Name: "mysql"},
							},
							Env: []corev1.EnvVar{
								secretEnv("MYSQL_ROOT_PASSWORD", "db-root-password"),
								secretEnv("MYSQL_DATABASE", "db-name"),
								secretEnv("MYSQL_USER", "db-user"),
								secretEnv("MYSQL_PASSWORD", "db-password"),
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "data", MountPath: "/var/lib/mysql"},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									Exec: &corev1.ExecAction{
										Command: []string{"sh", "-c", "mysqladmin ping -h localhost -p\"$MYSQL_ROOT_PASSWORD\""},
									},
								},
								InitialDelaySeconds: 15,
								PeriodSeconds:       10,
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(res.CPURequest),
									corev1.ResourceMemory: resource.MustParse(res.MemoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(res.CPULimit),
									corev1.ResourceMemory: resource.MustParse(res.MemoryLimit),
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "data",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: site.Refs.DBVolumeClaim,
								},
							},
						},
					},
				},
			},
		},
	}
}

func (b builders) databaseService(site Site) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.DBService,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ComponentDatabase),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(site, ComponentDatabase),
			Type:     corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{Name: "mysql", Port: 3306, TargetPort: intstr.FromInt32(3306), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

func (b builders) cacheDeployment(site Site) *appsv1.Deployment {
	labels := siteLabels(site, ComponentCache)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cacheName(site),
			Namespace: site.Refs.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(site, ComponentCache)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:    "redis",
							Image:   b.cfg.CacheImage,
							Command: []string{"sh", "-c", `exec redis-server --requirepass "$CACHE_PASSWORD" --maxmemory 128mb --maxmemory-policy allkeys-lru`},
							Env: []corev1.EnvVar{
								secretEnv("CACHE_PASSWORD", "cache-password"),
							},
							Ports: []corev1.ContainerPort{
								{ContainerPort: 6379, Name: "redis"},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("50m"),
									corev1.ResourceMemory: resource.MustParse("64Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("250m"),
									corev1.ResourceMemory: resource.MustParse("192Mi"),
								},
							},
						},
					},
				},
			},
		},
	}
}

func (b builders) cacheService(site Site) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cacheName(site),
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ComponentCache),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(site, ComponentCache),
			Type:     corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{Name: "redis", Port: 6379, TargetPort: intstr.FromInt32(6379), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

func (b builders) wordpressDeployment(site Site) *appsv1.Deployment {
	res := ResourcesFor(site.PlanTier)
	labels := siteLabels(site, ComponentWordPress)

	env := []corev1.EnvVar{
		{Name: "WORDPRESS_DB_HOST", Value: fmt.Sprintf("%s:3306", site.Refs.DBService)},
		secretEnv("WORDPRESS_DB_NAME", "db-name"),
		secretEnv("WORDPRESS_DB_USER", "db-user"),
		secretEnv("WORDPRESS_DB_PASSWORD", "db-password"),
	}
	if res.Cache {
		env = append(env,
			corev1.EnvVar{Name: "WP_REDIS_HOST", Value: cacheName(site)},
			secretEnv("WP_REDIS_PASSWORD", "cache-password"),
		)
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.WPDeployment,
			Namespace: site.Refs.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(res.WPReplicas),
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(site, ComponentWordPress)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "wordpress",
							Image: b.cfg.WordPressImage,
							Ports: []corev1.ContainerPort{
								{ContainerPort: 80, Name: "http"},
							},
							Env: env,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "data", MountPath: "/var/www/html"},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									HTTPGet: &corev1.HTTPGetAction{
										Path: "/wp-login.php",
										Port: intstr.FromInt32(80),
									},
								},
								InitialDelaySeconds: 20,
								PeriodSeconds:       10,
								FailureThreshold:    6,
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(res.CPURequest),
									corev1.ResourceMemory: resource.MustParse(res.MemoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(res.CPULimit),
									corev1.ResourceMemory: resource.MustParse(res.MemoryLimit),
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "data",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: site.Refs.WPVolumeClaim,
								},
							},
						},
					},
				},
			},
		},
	}
}

func (b builders) wordpressService(site Site) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.WPService,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ComponentWordPress),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(site, ComponentWordPress),
			Type:     corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80, TargetPort: intstr.FromInt32(80), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

func (b builders) ingress(site Site, backendService string, backendPort int32) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix

	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: backendService,
			Port: networkingv1.ServiceBackendPort{Number: backendPort},
		},
	}
	rule := func(host string) networkingv1.IngressRule {
		return networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{
						{Path: "/", PathType: &pathType, Backend: backend},
					},
				},
			},
		}
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.Ingress,
			Namespace: site.Refs.Namespace,
			Labels:    siteLabels(site, ""),
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/ssl-redirect":    "true",
				"nginx.ingress.kubernetes.io/proxy-body-size": "64m",
			},
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: lo.ToPtr(b.cfg.IngressClass),
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{site.Domain, "www." + site.Domain}, SecretName: SecretTLS},
			},
			Rules: []networkingv1.IngressRule{
				rule(site.Domain),
				rule("www." + site.Domain),
			},
		},
	}
}

func (b builders) backupCronJob(site Site, spec BackupJobSpec) *batchv1.CronJob {
	labels := siteLabels(site, "backup")

	// Single container: dump, archive, upload. Sidecar splits race on
	// the shared volume because containers start concurrently.
	script := fmt.Sprintf(`set -e
STAMP=$(date -u +%%Y%%m%%d%%H%%M%%S)
mysqldump -h %s -u root -p"$MYSQL_ROOT_PASSWORD" --single-transaction "$MYSQL_DATABASE" | gzip > /work/database.sql.gz
tar -czf /work/wordpress_files.tar.gz -C /var/www/html .
tar -czf "/work/%s_daily_${STAMP}.tar.gz" -C /work database.sql.gz wordpress_files.tar.gz
aws s3 cp "/work/%s_daily_${STAMP}.tar.gz" "s3://%s/%s"`,
		site.Refs.DBService,
		site.TenantID,
		site.TenantID,
		spec.Bucket,
		path.Join("daily", site.TenantID)+"/",
	)

	env := []corev1.EnvVar{
		secretEnv("MYSQL_ROOT_PASSWORD", "db-root-password"),
		secretEnv("MYSQL_DATABASE", "db-name"),
		{Name: "AWS_REGION", Value: spec.Region},
	}
	if spec.Endpoint != "" {
		env = append(env, corev1.EnvVar{Name: "AWS_ENDPOINT_URL", Value: spec.Endpoint})
	}

	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      site.Refs.BackupCronJob,
			Namespace: site.Refs.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.CronJobSpec{
			Schedule:          spec.Schedule,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					BackoffLimit: lo.ToPtr(int32(2)),
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers: []corev1.Container{
								{
									Name:    "backup",
									Image:   b.cfg.BackupImage,
									Command: []string{"sh", "-c", script},
									Env:     env,
									VolumeMounts: []corev1.VolumeMount{
										{Name: "work", MountPath: "/work"},
										{Name: "wp-data", MountPath: "/var/www/html", ReadOnly: true},
									},
								},
							},
							Volumes: []corev1.Volume{
								{Name: "work", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
								{
									Name: "wp-data",
									VolumeSource: corev1.VolumeSource{
										PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
											ClaimName: site.Refs.WPVolumeClaim,
											ReadOnly:  true,
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func cacheName(site Site) string {
	return "cache-" + site.TenantID
}

func deploymentName(site Site, component string) (string, error) {
	switch component {
	case ComponentWordPress:
		return site.Refs.WPDeployment, nil
	case ComponentDatabase:
		return site.Refs.DBDeployment, nil
	case ComponentCache:
		return cacheName(site), nil
	}
	return "", fmt.Errorf("unknown component %q", component)
}

package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/types"
)

func testSite(tier types.PlanTier) Site {
	return Site{
		TenantID: "acme_a1b2c3",
		Domain:   "blog.acme.com",
		PlanTier: tier,
		Refs:     types.NewInfrastructureRef("acme_a1b2c3"),
	}
}

func testBuilders() builders {
	return builders{cfg: config.Default().Orchestrator}
}

func TestResourcesFor(t *testing.T) {
	tests := []struct {
		tier     types.PlanTier
		replicas int32
		cache    bool
		wpDisk   string
	}{
		{types.PlanStarter, 1, false, "5Gi"},
		{types.PlanProfessional, 1, true, "10Gi"},
		{types.PlanBusiness, 2, true, "20Gi"},
		{types.PlanAgency, 3, true, "50Gi"},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			res := ResourcesFor(tt.tier)
			assert.Equal(t, tt.replicas, res.WPReplicas)
			assert.Equal(t, tt.cache, res.Cache)
			assert.Equal(t, tt.wpDisk, res.WPStorage)
		})
	}
}

func TestResourcesForUnknownTierFallsBackToStarter(t *testing.T) {
	res := ResourcesFor(types.PlanTier("bogus"))
	assert.Equal(t, ResourcesFor(types.PlanStarter), res)
}

func TestCredentialsSecret(t *testing.T) {
	b := testBuilders()
	site := testSite(types.PlanStarter)
	creds := &types.SiteCredentials{
		AdminUser:      "admin",
		AdminPassword:  "admin-pass",
		AdminEmail:     "owner@acme.com",
		DBName:         "wordpress",
		DBUser:         "wp_acme_a1b2c3",
		DBPassword:     "db-pass",
		DBRootPassword: "root-pass",
		CachePassword:  "cache-pass",
	}

	secret := b.credentialsSecret(site, creds)

	assert.Equal(t, SecretCredentials, secret.Name)
	assert.Equal(t, site.Refs.Namespace, secret.Namespace)
	for _, key := range []string{
		"admin-user", "admin-password", "admin-email",
		"db-name", "db-user", "db-password", "db-root-password",
		"cache-password",
	} {
		assert.Contains(t, secret.Data, key)
	}
	assert.Equal(t, []byte("root-pass"), secret.Data["db-root-password"])
}

func TestDatabaseDeployment(t *testing.T) {
	b := testBuilders()
	site := testSite(types.PlanBusiness)

	deployment := b.databaseDeployment(site)

	assert.Equal(t, site.Refs.DBDeployment, deployment.Name)
	require.NotNil(t, deployment.Spec.Replicas)
	assert.Equal(t, int32(1), *deployment.Spec.Replicas, "database never scales horizontally")
	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, deployment.Spec.Strategy.Type)

	container := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "mysql:8.0", container.Image)

	rootPass := findEnv(t, container.Env, "MYSQL_ROOT_PASSWORD")
	require.NotNil(t, rootPass.ValueFrom, "password must come from the secret, never inline")
	assert.Equal(t, SecretCredentials, rootPass.ValueFrom.SecretKeyRef.Name)
	assert.Equal(t, "db-root-password", rootPass.ValueFrom.SecretKeyRef.Key)

	require.Len(t, deployment.Spec.Template.Spec.Volumes, 1)
	assert.Equal(t, site.Refs.DBVolumeClaim, deployment.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
}

func TestWordPressDeploymentPerTier(t *testing.T) {
	b := testBuilders()

	t.Run("starter has no cache env", func(t *testing.T) {
		deployment := b.wordpressDeployment(testSite(types.PlanStarter))
		assert.Equal(t, int32(1), *deployment.Spec.Replicas)
		for _, env := range deployment.Spec.Template.Spec.Containers[0].Env {
			assert.NotEqual(t, "WP_REDIS_HOST", env.Name)
		}
	})

	t.Run("business wires cache and replicas", func(t *testing.T) {
		site := testSite(types.PlanBusiness)
		deployment := b.wordpressDeployment(site)
		assert.Equal(t, int32(2), *deployment.Spec.Replicas)

		host := findEnv(t, deployment.Spec.Template.Spec.Containers[0].Env, "WP_REDIS_HOST")
		assert.Equal(t, cacheName(site), host.Value)

		db := findEnv(t, deployment.Spec.Template.Spec.Containers[0].Env, "WORDPRESS_DB_HOST")
		assert.Equal(t, site.Refs.DBService+":3306", db.Value)
	})
}

func TestSelectorLabelsExcludePlan(t *testing.T) {
	site := testSite(types.PlanProfessional)

	// Plan upgrades relabel pods but must never change the selector,
	// which is immutable on a live deployment.
	selector := selectorLabels(site, ComponentWordPress)
	assert.NotContains(t, selector, "steward.siteforge.io/plan")

	podLabels := siteLabels(site, ComponentWordPress)
	for key, value := range selector {
		assert.Equal(t, value, podLabels[key], "selector must stay a subset of pod labels")
	}
}

func TestIngress(t *testing.T) {
	b := testBuilders()
	site := testSite(types.PlanStarter)

	ingress := b.ingress(site, site.Refs.WPService, 80)

	assert.Equal(t, "true", ingress.Annotations["nginx.ingress.kubernetes.io/ssl-redirect"])
	require.Len(t, ingress.Spec.TLS, 1)
	assert.Equal(t, []string{"blog.acme.com", "www.blog.acme.com"}, ingress.Spec.TLS[0].Hosts)
	assert.Equal(t, SecretTLS, ingress.Spec.TLS[0].SecretName)

	require.Len(t, ingress.Spec.Rules, 2)
	assert.Equal(t, "blog.acme.com", ingress.Spec.Rules[0].Host)
	assert.Equal(t, "www.blog.acme.com", ingress.Spec.Rules[1].Host)
	for _, rule := range ingress.Spec.Rules {
		backend := rule.HTTP.Paths[0].Backend
		assert.Equal(t, site.Refs.WPService, backend.Service.Name)
		assert.Equal(t, int32(80), backend.Service.Port.Number)
	}
}

func TestSuspensionMirror(t *testing.T) {
	b := testBuilders()
	site := testSite(types.PlanStarter)

	svc := b.suspensionMirror(site)

	assert.Equal(t, "steward-suspension", svc.Name)
	assert.Equal(t, site.Refs.Namespace, svc.Namespace)
	assert.Equal(t, corev1.ServiceTypeExternalName, svc.Spec.Type)
	assert.Equal(t, "steward-suspension.steward-system.svc.cluster.local", svc.Spec.ExternalName)
}

func TestSuspensionTarget(t *testing.T) {
	b := testBuilders()

	deployment, svc := b.suspensionTarget()

	assert.Equal(t, "steward-suspension", deployment.Name)
	assert.Equal(t, "steward-system", deployment.Namespace)
	assert.Equal(t, deployment.Spec.Template.Labels, deployment.Spec.Selector.MatchLabels)
	assert.Equal(t, "steward-system", svc.Namespace)
	assert.Equal(t, deployment.Spec.Template.Labels, svc.Spec.Selector)
	require.Len(t, svc.Spec.Ports, 1)
	assert.Equal(t, int32(80), svc.Spec.Ports[0].Port)
}

func TestBackupCronJob(t *testing.T) {
	b := testBuilders()
	site := testSite(types.PlanStarter)
	spec := BackupJobSpec{
		Schedule: "0 3 * * *",
		Bucket:   "steward-backups",
		Region:   "us-east-1",
	}

	job := b.backupCronJob(site, spec)

	assert.Equal(t, "0 3 * * *", job.Spec.Schedule)
	assert.Equal(t, batchv1.ForbidConcurrent, job.Spec.ConcurrencyPolicy)

	podSpec := job.Spec.JobTemplate.Spec.Template.Spec
	require.Len(t, podSpec.Containers, 1, "dump and upload share one container")

	script := podSpec.Containers[0].Command[2]
	assert.Contains(t, script, "mysqldump")
	assert.Contains(t, script, "s3://steward-backups/daily/"+site.TenantID+"/")

	for _, env := range podSpec.Containers[0].Env {
		assert.NotEqual(t, "AWS_ENDPOINT_URL", env.Name, "no endpoint override unless configured")
	}

	t.Run("minio endpoint", func(t *testing.T) {
		spec.Endpoint = "http://minio.storage:9000"
		job := b.backupCronJob(site, spec)
		endpoint := findEnv(t, job.Spec.JobTemplate.Spec.Template.Spec.Containers[0].Env, "AWS_ENDPOINT_URL")
		assert.Equal(t, "http://minio.storage:9000", endpoint.Value)
	})
}

func TestDeploymentName(t *testing.T) {
	site := testSite(types.PlanStarter)

	tests := []struct {
		component string
		want      string
		wantErr   bool
	}{
		{ComponentWordPress, site.Refs.WPDeployment, false},
		{ComponentDatabase, site.Refs.DBDeployment, false},
		{ComponentCache, "cache-" + site.TenantID, false},
		{"sidecar", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			got, err := deploymentName(site, tt.component)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedactCommand(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		want    string
	}{
		{
			name:    "mysql short flag",
			command: []string{"mysqldump", "-u", "root", "-psecret", "wordpress"},
			want:    "mysqldump -u root -p*** wordpress",
		},
		{
			name:    "long flag",
			command: []string{"mysql", "--password=hunter2", "-e", "SELECT 1"},
			want:    "mysql --password=*** -e SELECT 1",
		},
		{
			name:    "env assignment",
			command: []string{"sh", "-c", "MYSQL_PWD=topsecret mysql wordpress"},
			want:    "sh -c MYSQL_PWD=*** mysql wordpress",
		},
		{
			name:    "port flag untouched",
			command: []string{"mysql", "--port=3306", "wordpress"},
			want:    "mysql --port=3306 wordpress",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactCommand(tt.command)
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.Contains(got, "secret") || strings.Contains(got, "hunter2"))
		})
	}
}

func findEnv(t *testing.T, env []corev1.EnvVar, name string) corev1.EnvVar {
	t.Helper()
	for _, e := range env {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("env %s not found", name)
	return corev1.EnvVar{}
}

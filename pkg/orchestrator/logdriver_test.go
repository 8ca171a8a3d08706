package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/steward/pkg/types"
)

func TestLogDriverRecordsProvisionObjects(t *testing.T) {
	driver := NewLogDriver()
	site := testSite(types.PlanProfessional)
	ctx := context.Background()

	require.NoError(t, driver.EnsureNamespace(ctx, site))
	require.NoError(t, driver.EnsureCredentialsSecret(ctx, site, &types.SiteCredentials{}))
	require.NoError(t, driver.EnsureDatabase(ctx, site))
	require.NoError(t, driver.EnsureCache(ctx, site))
	require.NoError(t, driver.EnsureWordPress(ctx, site))
	require.NoError(t, driver.EnsureIngress(ctx, site))

	assert.True(t, driver.HasNamespace(site.Refs.Namespace))
	assert.True(t, driver.Has("secret", site.Refs.Namespace, SecretCredentials))
	assert.True(t, driver.Has("deployment", site.Refs.Namespace, site.Refs.DBDeployment))
	assert.True(t, driver.Has("deployment", site.Refs.Namespace, cacheName(site)))
	assert.True(t, driver.Has("pvc", site.Refs.Namespace, site.Refs.WPVolumeClaim))
	assert.True(t, driver.Has("ingress", site.Refs.Namespace, site.Refs.Ingress))
	assert.Equal(t, site.Refs.WPService+":80", driver.IngressBackend(site.Refs.Namespace))
}

func TestLogDriverFailOn(t *testing.T) {
	driver := NewLogDriver()
	site := testSite(types.PlanStarter)
	boom := errors.New("quota exceeded")
	driver.FailOn["ensure_ingress"] = boom

	err := driver.EnsureIngress(context.Background(), site)
	require.ErrorIs(t, err, boom)
	assert.False(t, driver.Has("ingress", site.Refs.Namespace, site.Refs.Ingress))
}

func TestLogDriverDeleteNamespaceClearsObjects(t *testing.T) {
	driver := NewLogDriver()
	site := testSite(types.PlanStarter)
	ctx := context.Background()

	require.NoError(t, driver.EnsureNamespace(ctx, site))
	require.NoError(t, driver.EnsureWordPress(ctx, site))
	require.NoError(t, driver.DeleteNamespace(ctx, site))

	assert.False(t, driver.HasNamespace(site.Refs.Namespace))
	assert.False(t, driver.Has("deployment", site.Refs.Namespace, site.Refs.WPDeployment))

	// Absent namespace deletes are no-ops.
	require.NoError(t, driver.DeleteNamespace(ctx, site))
}

func TestLogDriverSuspensionState(t *testing.T) {
	driver := NewLogDriver()
	site := testSite(types.PlanBusiness)
	ctx := context.Background()

	require.NoError(t, driver.EnsureIngress(ctx, site))
	require.NoError(t, driver.Scale(ctx, site, ComponentWordPress, 0))
	require.NoError(t, driver.PointIngressTo(ctx, site, "steward-suspension", 80))
	require.NoError(t, driver.SetCronJobSuspended(ctx, site, true))

	replicas, ok := driver.ScaleOf(site.Refs.Namespace, ComponentWordPress)
	require.True(t, ok)
	assert.Equal(t, int32(0), replicas)
	assert.Equal(t, "steward-suspension:80", driver.IngressBackend(site.Refs.Namespace))
	assert.True(t, driver.CronJobSuspended(site.Refs.Namespace))

	require.NoError(t, driver.PointIngressTo(ctx, site, site.Refs.WPService, 80))
	assert.Equal(t, site.Refs.WPService+":80", driver.IngressBackend(site.Refs.Namespace))
}

func TestLogDriverExecFunc(t *testing.T) {
	driver := NewLogDriver()
	site := testSite(types.PlanStarter)
	driver.ExecFunc = func(site Site, component string, command []string, stdin io.Reader) (*ExecResult, error) {
		return &ExecResult{Stdout: []byte("6.7.1")}, nil
	}

	result, err := driver.ExecInPod(context.Background(), site, ComponentWordPress, []string{"wp", "core", "version"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "6.7.1", string(result.Stdout))
}

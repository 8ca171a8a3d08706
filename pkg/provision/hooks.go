package provision

import (
	"context"
	"io"

	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/types"
)

// HookContext is the handle handed to a post-provision hook. Hooks run
// after the WordPress install succeeded and may exec into the tenant's
// pods; they never see credentials.
type HookContext struct {
	Tenant *types.Tenant
	Site   orchestrator.Site

	// Exec runs a command in the named component's pod.
	Exec func(ctx context.Context, component string, command []string, stdin io.Reader) (*orchestrator.ExecResult, error)
}

// PostHook is a pluggable step run at the end of the workflow. A
// failing hook aborts the provision like any other hard error.
type PostHook interface {
	Name() string
	Apply(ctx context.Context, hc *HookContext) error
}

// TemplateHook applies a site template when the request named one.
// Template rendering itself lives outside the control plane; this hook
// only triggers the import through WP-CLI.
type TemplateHook struct{}

func (TemplateHook) Name() string { return "apply_template" }

func (TemplateHook) Apply(ctx context.Context, hc *HookContext) error {
	if hc.Tenant.TemplateID == "" {
		return nil
	}
	_, err := hc.Exec(ctx, orchestrator.ComponentWordPress, []string{
		"wp", "steward", "template", "apply", hc.Tenant.TemplateID, "--allow-root",
	}, nil)
	return err
}

// FieldOverridesHook writes the request's field overrides as site
// options so the installed theme picks them up.
type FieldOverridesHook struct{}

func (FieldOverridesHook) Name() string { return "configure_fields" }

func (FieldOverridesHook) Apply(ctx context.Context, hc *HookContext) error {
	for field, value := range hc.Tenant.FieldOverrides {
		_, err := hc.Exec(ctx, orchestrator.ComponentWordPress, []string{
			"wp", "option", "update", "steward_field_" + field, value, "--allow-root",
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

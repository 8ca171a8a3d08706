package provision

import (
	"github.com/siteforge/steward/pkg/types"
)

// installParams collects everything the WP-CLI install sequence needs.
type installParams struct {
	Domain       string
	BusinessName string
	DBHost       string
	Locale       string
	Timezone     string
	Creds        *types.SiteCredentials
}

// installCommands is the fixed, ordered WP-CLI sequence that turns a
// fresh container into an installed site. Every command must exit zero;
// the provisioner aborts on the first failure. Order matters: config
// before install, install before options.
func installCommands(p installParams) [][]string {
	return [][]string{
		{"wp", "core", "download", "--locale=" + p.Locale, "--skip-content=false", "--force", "--allow-root"},
		{"wp", "config", "create",
			"--dbname=" + p.Creds.DBName,
			"--dbuser=" + p.Creds.DBUser,
			"--dbpass=" + p.Creds.DBPassword,
			"--dbhost=" + p.DBHost,
			"--force", "--allow-root"},
		{"wp", "core", "install",
			"--url=https://" + p.Domain,
			"--title=" + p.BusinessName,
			"--admin_user=" + p.Creds.AdminUser,
			"--admin_password=" + p.Creds.AdminPassword,
			"--admin_email=" + p.Creds.AdminEmail,
			"--skip-email", "--allow-root"},
		{"wp", "language", "core", "install", p.Locale, "--activate", "--allow-root"},
		{"wp", "option", "update", "timezone_string", p.Timezone, "--allow-root"},
		{"wp", "rewrite", "structure", "/%postname%/", "--hard", "--allow-root"},
		{"wp", "post", "delete", "1", "2", "3", "--force", "--allow-root"},
	}
}

// pluginInstallCommand builds the soft-dependency plugin install.
func pluginInstallCommand(plugin string) []string {
	return []string{"wp", "plugin", "install", plugin, "--activate", "--allow-root"}
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/siteforge/steward/pkg/types"
)

// adminClient is the thin HTTP client the tenant/backup/dunning
// subcommands use against a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(cmd *cobra.Command) (*adminClient, error) {
	addr, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("STEWARD_ADMIN_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("admin token required (--token or STEWARD_ADMIN_TOKEN)")
	}
	return &adminClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// do sends one request and pretty-prints the JSON response. Non-2xx
// responses become errors carrying the server's message.
func (c *adminClient) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "127.0.0.1:8080", "admin API address")
	cmd.PersistentFlags().String("token", "", "admin token (defaults to STEWARD_ADMIN_TOKEN)")
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a new tenant site",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}

		req := types.ProvisionRequest{}
		req.BusinessName, _ = cmd.Flags().GetString("business-name")
		req.Domain, _ = cmd.Flags().GetString("domain")
		req.Industry, _ = cmd.Flags().GetString("industry")
		tier, _ := cmd.Flags().GetString("plan")
		req.PlanTier = types.PlanTier(tier)
		req.OwnerUserID, _ = cmd.Flags().GetString("owner")
		req.OwnerEmail, _ = cmd.Flags().GetString("email")
		req.TemplateID, _ = cmd.Flags().GetString("template")

		return client.do(http.MethodPost, "/system/tenants", req)
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		path := "/system/tenants"
		if state, _ := cmd.Flags().GetString("state"); state != "" {
			path += "?state=" + state
		}
		return client.do(http.MethodGet, path, nil)
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get <tenant-id>",
	Short: "Show one tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		return client.do(http.MethodGet, "/system/tenants/"+args[0], nil)
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Force-delete a tenant, bypassing dunning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		return client.do(http.MethodDelete, "/system/tenants/"+args[0], nil)
	},
}

var tenantCredentialsCmd = &cobra.Command{
	Use:   "credentials <tenant-id>",
	Short: "Reveal tenant credentials (works exactly once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		return client.do(http.MethodGet, "/system/tenants/"+args[0]+"/credentials", nil)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage tenant backups",
}

var backupTakeCmd = &cobra.Command{
	Use:   "take <tenant-id>",
	Short: "Take a backup now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		kind, _ := cmd.Flags().GetString("kind")
		return client.do(http.MethodPost, "/system/tenants/"+args[0]+"/backups",
			map[string]string{"kind": kind})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list <tenant-id>",
	Short: "List a tenant's backups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		return client.do(http.MethodGet, "/system/tenants/"+args[0]+"/backups", nil)
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <tenant-id> <backup-id>",
	Short: "Restore a tenant from a backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		db, _ := cmd.Flags().GetBool("db")
		files, _ := cmd.Flags().GetBool("files")
		return client.do(http.MethodPost,
			"/system/tenants/"+args[0]+"/backups/"+args[1]+"/restore",
			map[string]bool{"db": db, "files": files})
	},
}

var dunningCmd = &cobra.Command{
	Use:   "dunning",
	Short: "Dunning operations",
}

var dunningTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one dunning scan now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		return client.do(http.MethodPost, "/system/dunning/tick", nil)
	},
}

func init() {
	addClientFlags(tenantCmd)
	addClientFlags(backupCmd)
	addClientFlags(dunningCmd)

	tenantProvisionCmd.Flags().String("business-name", "", "business display name")
	tenantProvisionCmd.Flags().String("domain", "", "site FQDN")
	tenantProvisionCmd.Flags().String("industry", "", "business industry")
	tenantProvisionCmd.Flags().String("plan", "starter", "plan tier")
	tenantProvisionCmd.Flags().String("owner", "", "owner user id")
	tenantProvisionCmd.Flags().String("email", "", "owner email")
	tenantProvisionCmd.Flags().String("template", "", "site template id")
	_ = tenantProvisionCmd.MarkFlagRequired("business-name")
	_ = tenantProvisionCmd.MarkFlagRequired("domain")
	_ = tenantProvisionCmd.MarkFlagRequired("industry")
	_ = tenantProvisionCmd.MarkFlagRequired("owner")

	tenantListCmd.Flags().String("state", "", "filter by lifecycle state")
	backupTakeCmd.Flags().String("kind", "daily", "backup kind (daily, weekly, monthly, final)")
	backupRestoreCmd.Flags().Bool("db", true, "restore the database")
	backupRestoreCmd.Flags().Bool("files", true, "restore the file trees")

	tenantCmd.AddCommand(tenantProvisionCmd, tenantListCmd, tenantGetCmd, tenantDeleteCmd, tenantCredentialsCmd)
	backupCmd.AddCommand(backupTakeCmd, backupListCmd, backupRestoreCmd)
	dunningCmd.AddCommand(dunningTickCmd)
}

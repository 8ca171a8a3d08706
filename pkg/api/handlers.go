package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/siteforge/steward/pkg/backup"
	"github.com/siteforge/steward/pkg/types"
)

// tenantView is the wire shape of a tenant. The sealed credentials
// blob never leaves the process through this surface.
type tenantView struct {
	ID            string     `json:"id"`
	BusinessName  string     `json:"business_name"`
	Domain        string     `json:"domain"`
	Industry      string     `json:"industry"`
	PlanTier      string     `json:"plan_tier"`
	OwnerUserID   string     `json:"owner_user_id"`
	ContactEmail  string     `json:"contact_email,omitempty"`
	State         string     `json:"state"`
	StateSince    time.Time  `json:"state_since"`
	GraceAnchor   *time.Time `json:"grace_anchor,omitempty"`
	DeletionDueAt *time.Time `json:"deletion_due_at,omitempty"`
	Namespace     string     `json:"namespace"`
	Revealed      bool       `json:"credentials_revealed"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func viewOf(t *types.Tenant) tenantView {
	return tenantView{
		ID:            t.ID,
		BusinessName:  t.BusinessName,
		Domain:        t.Domain,
		Industry:      t.Industry,
		PlanTier:      string(t.PlanTier),
		OwnerUserID:   t.OwnerUserID,
		ContactEmail:  t.ContactEmail,
		State:         string(t.State),
		StateSince:    t.StateSince,
		GraceAnchor:   t.GraceAnchor,
		DeletionDueAt: t.DeletionDueAt,
		Namespace:     t.Infrastructure.Namespace,
		Revealed:      t.CredentialsRevealedAt != nil,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

type provisionResponse struct {
	Tenant      tenantView             `json:"tenant"`
	Credentials *types.SiteCredentials `json:"credentials,omitempty"`
}

// provisionTenant runs the provision workflow synchronously. A fresh
// provision returns the credentials exactly once and marks them
// revealed; replays return the row only.
func (s *Server) provisionTenant(w http.ResponseWriter, r *http.Request) {
	var req types.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provision request: "+err.Error())
		return
	}

	tenant, creds, err := s.provision.Execute(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if creds == nil {
		writeJSON(w, http.StatusOK, provisionResponse{Tenant: viewOf(tenant)})
		return
	}

	now := time.Now().UTC()
	tenant.CredentialsRevealedAt = &now
	if err := s.store.UpdateTenant(tenant); err != nil {
		creds.Zero()
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, provisionResponse{Tenant: viewOf(tenant), Credentials: creds})
	creds.Zero()
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	var (
		tenants []*types.Tenant
		err     error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		tenants, err = s.store.ListTenantsByState(types.LifecycleState(state))
	} else {
		tenants, err = s.store.ListTenants()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := lo.Map(tenants, func(t *types.Tenant, _ int) tenantView { return viewOf(t) })
	writeJSON(w, http.StatusOK, map[string]any{"tenants": views})
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tenant))
}

// deleteTenant force-deletes, bypassing dunning. Final backup and
// teardown happen inline; the row survives in state deleted.
func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.ForceDelete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(types.StateDeleted)})
}

// revealCredentials is the one-shot reveal channel: the first read
// returns the plaintext and burns it, every later read is 410.
func (s *Server) revealCredentials(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tenant.CredentialsRevealedAt != nil {
		s.fail(w, r, types.ErrCredentialsRevealed)
		return
	}
	if len(tenant.CredentialsBlob) == 0 {
		s.fail(w, r, types.ErrNotFound)
		return
	}

	creds, err := s.secrets.OpenCredentials(tenant.CredentialsBlob)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := time.Now().UTC()
	tenant.CredentialsRevealedAt = &now
	if err := s.store.UpdateTenant(tenant); err != nil {
		creds.Zero()
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, creds)
	creds.Zero()
}

type eventView struct {
	Seq       uint64    `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Cause     string    `json:"cause"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) listTenantEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTenant(id); err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.store.ListLifecycleEvents(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := lo.Map(events, func(e *types.LifecycleEvent, _ int) eventView {
		return eventView{
			Seq:       e.Seq,
			From:      string(e.From),
			To:        string(e.To),
			Reason:    string(e.Reason),
			Cause:     e.Cause,
			EventID:   e.EventID,
			Timestamp: e.Timestamp,
		}
	})
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": id, "events": views})
}

type backupRequest struct {
	Kind types.BackupKind `json:"kind"`
}

type backupView struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	ObjectKey      string    `json:"object_key"`
	RetentionClass string    `json:"retention_class"`
}

func backupViewOf(r *types.BackupRecord) backupView {
	return backupView{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Kind:           string(r.Kind),
		CreatedAt:      r.CreatedAt,
		SizeBytes:      r.SizeBytes,
		Checksum:       r.Checksum,
		ObjectKey:      r.ObjectKey,
		RetentionClass: r.RetentionClass,
	}
}

func (s *Server) takeBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Kind == "" {
		req.Kind = types.BackupDaily
	}
	if !types.ValidBackupKind(req.Kind) {
		writeError(w, http.StatusBadRequest, "unknown backup kind "+string(req.Kind))
		return
	}

	record, err := s.backups.Take(r.Context(), chi.URLParam(r, "id"), req.Kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, backupViewOf(record))
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTenant(id); err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.store.ListBackupRecords(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := lo.Map(records, func(r *types.BackupRecord, _ int) backupView { return backupViewOf(r) })
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": id, "backups": views})
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	opts := backup.RestoreOptions{DB: true, Files: true}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	id := chi.URLParam(r, "id")
	backupID := chi.URLParam(r, "bid")
	if err := s.backups.Restore(r.Context(), id, backupID, opts); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "backup_id": backupID, "status": "restored"})
}

// dunningTick runs one scan inline, outside the cron cadence.
func (s *Server) dunningTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.dunning.RunTick(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

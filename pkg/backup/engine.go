package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/objectstore"
	"github.com/siteforge/steward/pkg/orchestrator"
	"github.com/siteforge/steward/pkg/storage"
	"github.com/siteforge/steward/pkg/tenantlock"
	"github.com/siteforge/steward/pkg/types"
)

// storageClassIA is the S3 storage class archives land in.
const storageClassIA = "STANDARD_IA"

// Publisher is the bus surface completion events go out on.
type Publisher interface {
	Publish(event *types.DomainEvent) error
}

// RestoreOptions select which halves of the archive to apply.
type RestoreOptions struct {
	DB    bool `json:"db"`
	Files bool `json:"files"`
}

// Engine takes and restores tenant archives. One operation per tenant
// at a time; parallel tenants are bounded by the configured
// concurrency.
type Engine struct {
	store   storage.Store
	driver  orchestrator.Driver
	objects objectstore.Store
	bus     Publisher
	locks   *tenantlock.Map
	fs      afero.Fs
	cfg     config.BackupConfig
	sem     chan struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

// Deps are the engine's collaborators.
type Deps struct {
	Store   storage.Store
	Driver  orchestrator.Driver
	Objects objectstore.Store
	Bus     Publisher
	Locks   *tenantlock.Map
	// Fs defaults to the OS filesystem; tests swap in a memory fs.
	Fs afero.Fs

	Backup config.BackupConfig
}

func New(deps Deps) *Engine {
	locks := deps.Locks
	if locks == nil {
		locks = tenantlock.NewMap()
	}
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	concurrency := deps.Backup.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		store:   deps.Store,
		driver:  deps.Driver,
		objects: deps.Objects,
		bus:     deps.Bus,
		locks:   locks,
		fs:      fs,
		cfg:     deps.Backup,
		sem:     make(chan struct{}, concurrency),
		logger:  log.WithComponent("backup"),
		now:     time.Now,
	}
}

// lockKey serializes Take and Restore together per tenant.
func lockKey(tenantID string) string { return "backup:" + tenantID }

// objectKey builds the store key for a backup. The layout is a
// contract: <kind>/<tenantID>/<tenantID>_<kind>_<YYYYmmddHHMMSS>.tar.gz.
func objectKey(tenantID string, kind types.BackupKind, at time.Time) (key, backupID string) {
	backupID = fmt.Sprintf("%s_%s_%s", tenantID, kind, at.UTC().Format(keyTimeFormat))
	return path.Join(string(kind), tenantID, backupID+".tar.gz"), backupID
}

// Take produces one archive for the tenant and records it. The whole
// pass works in a temp directory that is removed on every exit path.
func (e *Engine) Take(ctx context.Context, tenantID string, kind types.BackupKind) (*types.BackupRecord, error) {
	if !types.ValidBackupKind(kind) {
		return nil, types.Permanent("backup", fmt.Errorf("unknown backup kind %q", kind))
	}

	unlock, ok := e.locks.TryLock(lockKey(tenantID))
	if !ok {
		return nil, fmt.Errorf("backup or restore already running for tenant %s", tenantID)
	}
	defer unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("backup %s: %w", tenantID, ctx.Err())
	}
	defer func() { <-e.sem }()

	tenant, err := e.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.State == types.StateDeleted || tenant.State == types.StateProvisioningFailed {
		return nil, types.Permanent("backup", fmt.Errorf("tenant %s is %s", tenantID, tenant.State))
	}

	timer := metrics.NewTimer()
	record, err := e.take(ctx, tenant, kind)
	timer.ObserveDurationVec(metrics.BackupDuration, string(kind))

	if err != nil {
		metrics.BackupsTotal.WithLabelValues(string(kind), "failed").Inc()
		e.publish(types.EventBackupFailed, tenantID, "", err)
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues(string(kind), "success").Inc()
	metrics.BackupSizeBytes.WithLabelValues(string(kind)).Observe(float64(record.SizeBytes))
	e.publish(types.EventBackupCompleted, tenantID, record.ID, nil)
	return record, nil
}

func (e *Engine) take(ctx context.Context, tenant *types.Tenant, kind types.BackupKind) (*types.BackupRecord, error) {
	site := orchestrator.SiteFor(tenant)
	now := e.now().UTC()

	dir, err := afero.TempDir(e.fs, "", "steward-backup-"+tenant.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer func() {
		if err := e.fs.RemoveAll(dir); err != nil {
			e.logger.Warn().Err(err).Str("dir", dir).Msg("Temp cleanup failed")
		}
	}()

	dbPath := dir + "/" + memberDatabase
	filesPath := dir + "/" + memberFiles

	// The two exports are independent pods; run them together.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.exportDatabase(groupCtx, site, dbPath) })
	group.Go(func() error { return e.exportFiles(groupCtx, site, filesPath) })
	if err := group.Wait(); err != nil {
		return nil, err
	}

	key, backupID := objectKey(tenant.ID, kind, now)
	meta := Metadata{
		BackupID:         backupID,
		TenantID:         tenant.ID,
		Timestamp:        now.Format(time.RFC3339),
		WordPressVersion: e.probeVersion(ctx, site, orchestrator.ComponentWordPress, []string{"wp", "core", "version", "--allow-root"}),
		PHPVersion:       e.probeVersion(ctx, site, orchestrator.ComponentWordPress, []string{"php", "-r", "echo PHP_VERSION;"}),
		MySQLVersion:     e.probeVersion(ctx, site, orchestrator.ComponentDatabase, []string{"sh", "-c", "mysqld --version | awk '{print $3}'"}),
		BackupContents: Contents{
			Database:       true,
			Files:          true,
			IncludeUploads: e.cfg.IncludeUploads,
			IncludePlugins: e.cfg.IncludePlugins,
			IncludeThemes:  e.cfg.IncludeThemes,
		},
		RetentionPolicy: kind.RetentionClass(),
	}

	archivePath := dir + "/" + backupID + ".tar.gz"
	checksum, size, err := e.assemble(archivePath, meta, dbPath, filesPath)
	if err != nil {
		return nil, err
	}

	if err := e.upload(ctx, key, archivePath, size, map[string]string{
		"tenant-id": tenant.ID,
		"kind":      string(kind),
		"checksum":  checksum,
		"timestamp": meta.Timestamp,
	}); err != nil {
		return nil, err
	}

	record := &types.BackupRecord{
		ID:             backupID,
		TenantID:       tenant.ID,
		Kind:           kind,
		CreatedAt:      now,
		SizeBytes:      size,
		Checksum:       checksum,
		ObjectKey:      key,
		RetentionClass: kind.RetentionClass(),
	}
	if err := e.store.CreateBackupRecord(record); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("backup_id", backupID).
		Str("kind", string(kind)).
		Int64("size_bytes", size).
		Msg("Backup stored")
	return record, nil
}

// exportDatabase streams a gzipped mysqldump out of the database pod
// straight into the staging file, so the dump never sits in memory.
// The root password never crosses the wire: the dump reads it from the
// pod's own environment.
func (e *Engine) exportDatabase(ctx context.Context, site orchestrator.Site, dst string) error {
	return e.exportTo("database export", dst, func(w io.Writer) error {
		return e.driver.ExecStream(ctx, site, orchestrator.ComponentDatabase, []string{
			"sh", "-c",
			`mysqldump --single-transaction --routines --triggers --events -u root -p"$MYSQL_ROOT_PASSWORD" "$MYSQL_DATABASE" | gzip`,
		}, nil, w)
	})
}

// exportFiles tars the configured WordPress subtrees out of the WP pod.
func (e *Engine) exportFiles(ctx context.Context, site orchestrator.Site, dst string) error {
	trees := []string{"wp-config.php"}
	if e.cfg.IncludeUploads {
		trees = append(trees, "wp-content/uploads")
	}
	if e.cfg.IncludePlugins {
		trees = append(trees, "wp-content/plugins")
	}
	if e.cfg.IncludeThemes {
		trees = append(trees, "wp-content/themes")
	}

	command := append([]string{"tar", "-czf", "-", "--ignore-failed-read", "-C", "/var/www/html"}, trees...)
	return e.exportTo("file export", dst, func(w io.Writer) error {
		return e.driver.ExecStream(ctx, site, orchestrator.ComponentWordPress, command, nil, w)
	})
}

// exportTo opens the staging file and runs the streaming export into
// it, closing on every path.
func (e *Engine) exportTo(what, dst string, run func(io.Writer) error) error {
	file, err := e.fs.OpenFile(dst, writeFlags, 0600)
	if err != nil {
		return fmt.Errorf("%s: create staging file: %w", what, err)
	}
	if err := run(file); err != nil {
		file.Close()
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%s: close staging file: %w", what, err)
	}
	return nil
}

// probeVersion best-effort reads a component version for the metadata
// document. Failures degrade to "unknown" instead of failing a backup.
func (e *Engine) probeVersion(ctx context.Context, site orchestrator.Site, component string, command []string) string {
	result, err := e.driver.ExecInPod(ctx, site, component, command, nil)
	if err != nil || len(result.Stdout) == 0 {
		return "unknown"
	}
	return strings.TrimSpace(string(result.Stdout))
}

// assemble writes the final tar.gz and returns its hex SHA-256 and
// size. The hash is computed while writing, not in a second pass.
func (e *Engine) assemble(dst string, meta Metadata, dbPath, filesPath string) (string, int64, error) {
	file, err := e.fs.OpenFile(dst, writeFlags, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}

	hash := sha256.New()
	if err := writeArchive(e.fs, io.MultiWriter(file, hash), meta, dbPath, filesPath); err != nil {
		file.Close()
		return "", 0, err
	}
	if err := file.Close(); err != nil {
		return "", 0, fmt.Errorf("close archive: %w", err)
	}

	info, err := e.fs.Stat(dst)
	if err != nil {
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), info.Size(), nil
}

func (e *Engine) upload(ctx context.Context, key, archivePath string, size int64, metadata map[string]string) error {
	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	return e.objects.Upload(ctx, key, file, objectstore.UploadOptions{
		Size:         size,
		ContentType:  "application/gzip",
		StorageClass: storageClassIA,
		Metadata:     metadata,
	})
}

// Restore applies an archive back onto a tenant. It verifies the
// archive checksum against the recorded one before touching anything.
func (e *Engine) Restore(ctx context.Context, tenantID, backupID string, opts RestoreOptions) error {
	if !opts.DB && !opts.Files {
		return types.Permanent("restore", fmt.Errorf("nothing selected to restore"))
	}

	unlock, ok := e.locks.TryLock(lockKey(tenantID))
	if !ok {
		return fmt.Errorf("backup or restore already running for tenant %s", tenantID)
	}
	defer unlock()

	tenant, err := e.store.GetTenant(tenantID)
	if err != nil {
		return err
	}

	err = e.restore(ctx, tenant, backupID, opts)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.RestoresTotal.WithLabelValues("success").Inc()
	return nil
}

func (e *Engine) restore(ctx context.Context, tenant *types.Tenant, backupID string, opts RestoreOptions) error {
	site := orchestrator.SiteFor(tenant)

	key, err := e.findArchive(ctx, tenant.ID, backupID)
	if err != nil {
		return err
	}

	dir, err := afero.TempDir(e.fs, "", "steward-restore-"+tenant.ID+"-")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer func() {
		if err := e.fs.RemoveAll(dir); err != nil {
			e.logger.Warn().Err(err).Str("dir", dir).Msg("Temp cleanup failed")
		}
	}()

	archivePath := dir + "/archive.tar.gz"
	if err := e.download(ctx, key, archivePath); err != nil {
		return err
	}
	if err := e.verifyChecksum(backupID, archivePath); err != nil {
		return err
	}

	archive, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	meta, err := extractArchive(e.fs, archive, dir)
	archive.Close()
	if err != nil {
		return err
	}

	e.checkVersionDrift(ctx, site, meta)

	if opts.DB {
		if err := e.applyDatabase(ctx, site, dir+"/"+memberDatabase); err != nil {
			return err
		}
	}
	if opts.Files {
		if err := e.applyFiles(ctx, site, dir+"/"+memberFiles); err != nil {
			return err
		}
	}

	e.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("backup_id", backupID).
		Bool("db", opts.DB).
		Bool("files", opts.Files).
		Msg("Restore complete")
	return nil
}

// findArchive resolves a backup id to its store key. The record is the
// fast path; without one the four kind prefixes are scanned.
func (e *Engine) findArchive(ctx context.Context, tenantID, backupID string) (string, error) {
	if record, err := e.store.GetBackupRecord(backupID); err == nil {
		if record.TenantID != tenantID {
			return "", types.Permanent("restore", fmt.Errorf("backup %s belongs to another tenant", backupID))
		}
		return record.ObjectKey, nil
	}

	want := backupID + ".tar.gz"
	for _, kind := range []types.BackupKind{types.BackupDaily, types.BackupWeekly, types.BackupMonthly, types.BackupFinal} {
		prefix := path.Join(string(kind), tenantID) + "/"
		objects, err := e.objects.List(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, object := range objects {
			if path.Base(object.Key) == want {
				return object.Key, nil
			}
		}
	}
	return "", fmt.Errorf("backup %s for tenant %s: %w", backupID, tenantID, types.ErrNotFound)
}

func (e *Engine) download(ctx context.Context, key, dst string) error {
	file, err := e.fs.OpenFile(dst, writeFlags, 0600)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}
	defer file.Close()
	if _, err := e.objects.Download(ctx, key, file); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// verifyChecksum compares the downloaded archive to the recorded
// SHA-256. Archives without a record (taken by the in-namespace cron)
// skip the check.
func (e *Engine) verifyChecksum(backupID, archivePath string) error {
	record, err := e.store.GetBackupRecord(backupID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load backup record %s: %w", backupID, err)
	}

	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if got != record.Checksum {
		return types.Permanent("restore", fmt.Errorf("checksum mismatch for %s: got %s want %s", backupID, got, record.Checksum))
	}
	return nil
}

// checkVersionDrift warns when the archive's WordPress major version
// differs from the running site. Restores proceed either way; the
// operator decides.
func (e *Engine) checkVersionDrift(ctx context.Context, site orchestrator.Site, meta *Metadata) {
	if meta.WordPressVersion == "" || meta.WordPressVersion == "unknown" {
		return
	}
	archived, err := semver.NewVersion(meta.WordPressVersion)
	if err != nil {
		return
	}
	running := e.probeVersion(ctx, site, orchestrator.ComponentWordPress, []string{"wp", "core", "version", "--allow-root"})
	current, err := semver.NewVersion(running)
	if err != nil {
		return
	}
	if archived.Major() != current.Major() {
		e.logger.Warn().
			Str("tenant_id", site.TenantID).
			Str("archived", archived.String()).
			Str("running", current.String()).
			Msg("WordPress major version drift between archive and site")
	}
}

// applyDatabase feeds the dump into mysql inside the database pod.
func (e *Engine) applyDatabase(ctx context.Context, site orchestrator.Site, dumpPath string) error {
	dump, err := e.fs.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer dump.Close()

	_, err = e.driver.ExecInPod(ctx, site, orchestrator.ComponentDatabase, []string{
		"sh", "-c",
		`gunzip | mysql -u root -p"$MYSQL_ROOT_PASSWORD" "$MYSQL_DATABASE"`,
	}, dump)
	if err != nil {
		return fmt.Errorf("database restore: %w", err)
	}
	return nil
}

// applyFiles unpacks the file tree into the WP pod and hands ownership
// back to the web server user.
func (e *Engine) applyFiles(ctx context.Context, site orchestrator.Site, filesPath string) error {
	files, err := e.fs.Open(filesPath)
	if err != nil {
		return fmt.Errorf("open files archive: %w", err)
	}
	defer files.Close()

	_, err = e.driver.ExecInPod(ctx, site, orchestrator.ComponentWordPress, []string{
		"sh", "-c",
		"tar -xzf - -C /var/www/html && chown -R www-data:www-data /var/www/html",
	}, files)
	if err != nil {
		return fmt.Errorf("file restore: %w", err)
	}
	return nil
}

func (e *Engine) publish(eventType types.EventType, tenantID, backupID string, cause error) {
	if e.bus == nil {
		return
	}
	event := &types.DomainEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		BackupID:  backupID,
		Timestamp: e.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := e.bus.Publish(event); err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Backup event publish failed")
	}
}

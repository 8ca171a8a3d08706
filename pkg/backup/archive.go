package backup

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
)

// Members of the assembled archive. Names are part of the on-store
// contract and never change.
const (
	memberDatabase = "database.sql.gz"
	memberFiles    = "wordpress_files.tar.gz"
	memberMetadata = "metadata.json"
)

// keyTimeFormat is the timestamp embedded in object keys.
const keyTimeFormat = "20060102150405"

const writeFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC

// Metadata is the self-description stored inside every archive.
type Metadata struct {
	BackupID         string   `json:"backup_id"`
	TenantID         string   `json:"tenant_id"`
	Timestamp        string   `json:"timestamp"`
	WordPressVersion string   `json:"wordpress_version"`
	PHPVersion       string   `json:"php_version"`
	MySQLVersion     string   `json:"mysql_version"`
	BackupContents   Contents `json:"backup_contents"`
	RetentionPolicy  string   `json:"retention_policy"`
}

// Contents records what went into the archive.
type Contents struct {
	Database       bool `json:"database"`
	Files          bool `json:"files"`
	IncludeUploads bool `json:"include_uploads"`
	IncludePlugins bool `json:"include_plugins"`
	IncludeThemes  bool `json:"include_themes"`
}

// writeArchive bundles the three members into dst as a tar.gz. Member
// paths inside the tarball are ./-prefixed per the key layout contract.
func writeArchive(fs afero.Fs, dst io.Writer, meta Metadata, dbPath, filesPath string) error {
	gz := gzip.NewWriter(dst)
	tw := tar.NewWriter(gz)

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeTarBytes(tw, memberMetadata, metaBytes); err != nil {
		return err
	}
	if err := writeTarFile(fs, tw, memberDatabase, dbPath); err != nil {
		return err
	}
	if err := writeTarFile(fs, tw, memberFiles, filesPath); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func writeTarBytes(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    "./" + name,
		Mode:    0600,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

func writeTarFile(fs afero.Fs, tw *tar.Writer, name, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	file, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:    "./" + name,
		Mode:    0600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}

// extractArchive unpacks the three members of src into dir and returns
// the parsed metadata. Unknown members are skipped, missing required
// members are an error.
func extractArchive(fs afero.Fs, src io.Reader, dir string) (*Metadata, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var meta *Metadata
	found := map[string]bool{}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		name := trimMemberName(header.Name)
		switch name {
		case memberMetadata:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read metadata: %w", err)
			}
			meta = &Metadata{}
			if err := json.Unmarshal(data, meta); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			found[name] = true
		case memberDatabase, memberFiles:
			if err := extractMember(fs, tr, dir+"/"+name); err != nil {
				return nil, err
			}
			found[name] = true
		}
	}

	for _, required := range []string{memberMetadata, memberDatabase, memberFiles} {
		if !found[required] {
			return nil, fmt.Errorf("archive missing %s", required)
		}
	}
	return meta, nil
}

func trimMemberName(name string) string {
	if len(name) > 2 && name[:2] == "./" {
		return name[2:]
	}
	return name
}

func extractMember(fs afero.Fs, r io.Reader, path string) error {
	file, err := fs.OpenFile(path, writeFlags, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()
	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return nil
}

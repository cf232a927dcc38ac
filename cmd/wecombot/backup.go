package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive layout:
//
//	manifest.json
//	config/<config file name>
//	data/transcripts.db
const (
	manifestEntry = "manifest.json"
	configDir     = "config/"
	dataEntry     = "data/transcripts.db"
)

// manifest records what an archive holds.
type manifest struct {
	Created  time.Time `json:"created"`
	Config   string    `json:"config,omitempty"`
	Database string    `json:"database,omitempty"`
	Accounts []string  `json:"accounts,omitempty"`
}

// archiveFile is one file to pack: src on disk, name in the archive.
type archiveFile struct {
	name string
	src  string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config file and transcript database",
		Long: `Writes a .tar.gz holding the config file and a consistent snapshot of
the transcript and pairing database. The gateway may keep running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return err
				}
				outputPath = filepath.Join(dir, "wecombot-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			tmp, err := os.MkdirTemp("", "wecombot-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			m := manifest{Created: time.Now().UTC()}
			var files []archiveFile
			if _, err := os.Stat(cfgPath); err == nil {
				m.Config = configDir + filepath.Base(cfgPath)
				files = append(files, archiveFile{name: m.Config, src: cfgPath})
				if cfg, err := config.Load(cfgPath); err == nil {
					m.Accounts = config.AccountIDs(cfg)
				}
			}
			if _, err := os.Stat(dbPath); err == nil {
				snap := filepath.Join(tmp, "transcripts.db")
				if err := snapshotDB(cmd.Context(), dbPath, snap); err != nil {
					return err
				}
				m.Database = dataEntry
				files = append(files, archiveFile{name: dataEntry, src: snap})
			}
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up: neither %s nor %s exists", cfgPath, dbPath)
			}

			if err := writeArchive(outputPath, m, files); err != nil {
				os.Remove(outputPath)
				return fmt.Errorf("write %s: %w", outputPath, err)
			}

			fmt.Println(outputPath)
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f.src); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  %-28s %s\n", f.name, humanize.IBytes(size))
			}
			if m.Config != "" {
				fmt.Println("The archive contains account secrets.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.wecombot/backups/wecombot-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Put back the config file and database from a backup archive",
		Long:  "Stop the gateway first. Stale WAL files next to the database are removed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)

			if !force {
				for _, p := range []string{cfgPath, dbPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; pass --force to overwrite it", p)
					}
				}
			}

			m, restored, err := extractArchive(args[0], dbPath, cfgPath)
			if err != nil {
				return err
			}
			if m != nil {
				fmt.Printf("Archive from %s\n", m.Created.Local().Format(time.DateTime))
			}
			for _, p := range restored {
				fmt.Printf("  restored %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite the current config and database")
	return cmd
}

// resolveDBPath returns the database named by the config at cfgPath, or the
// default location when the config cannot be read.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Memory.DBPath != "" {
		return cfg.Memory.DBPath
	}
	return config.ExpandPath(config.Defaults().Memory.DBPath)
}

func snapshotDB(ctx context.Context, dbPath, dest string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Snapshot(ctx, dest)
}

func writeArchive(outputPath string, m manifest, files []archiveFile) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = writeManifest(tw, m)
	for _, f := range files {
		if err != nil {
			break
		}
		err = addFile(tw, f)
	}
	// Close in order; the first failure wins.
	for _, c := range []io.Closer{tw, gz, out} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func writeManifest(tw *tar.Writer, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{Name: manifestEntry, Mode: 0o600, Size: int64(len(data)), ModTime: m.Created}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

func addFile(tw *tar.Writer, f archiveFile) error {
	src, err := os.Open(f.src)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{Name: f.name, Mode: 0o600, Size: info.Size(), ModTime: info.ModTime()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	return nil
}

// restoreTarget maps an archive entry to the file it replaces. Only the
// config and database entries are restored.
func restoreTarget(name, dbPath, cfgPath string) (string, bool) {
	name = path.Clean(name)
	switch {
	case name == dataEntry:
		return dbPath, true
	case strings.HasPrefix(name, configDir) && path.Dir(name)+"/" == configDir && isConfigExt(name):
		return cfgPath, true
	}
	return "", false
}

func isConfigExt(name string) bool {
	switch path.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// extractArchive restores an archive's entries. Each file is written next to
// its target and renamed into place.
func extractArchive(archivePath, dbPath, cfgPath string) (*manifest, []string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s is not a gzip archive: %w", archivePath, err)
	}
	defer gz.Close()

	var m *manifest
	var restored []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return m, restored, err
		}
		if hdr.Name == manifestEntry {
			m = &manifest{}
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, restored, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		target, ok := restoreTarget(hdr.Name, dbPath, cfgPath)
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}
		if target == dbPath {
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}
		}
		if err := writeFileAtomic(target, tr); err != nil {
			return m, restored, err
		}
		restored = append(restored, target)
	}
	if len(restored) == 0 {
		return m, nil, fmt.Errorf("%s holds no config or database entry", archivePath)
	}
	return m, restored, nil
}

func writeFileAtomic(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

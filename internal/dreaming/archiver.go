package dreaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/observability"
)

// ErrNoArchive is returned when a conversation has no dream archives.
var ErrNoArchive = errors.New("no dream archive for conversation")

const manifestName = "manifest.json"

// Archiver owns the C→D stage: versioned, immutable archive files per
// conversation plus the manifest recording their lifecycle.
type Archiver struct {
	root   string
	logger *observability.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewArchiver builds an archiver rooted at dir (typically
// <data_dir>/dreams).
func NewArchiver(dir string, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{
		root:   dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// convLock returns the per-conversation mutex, creating it on first
// use. Writes to one conversation serialise; different conversations
// proceed in parallel.
func (a *Archiver) convLock(conv string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[conv]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[conv] = lock
	}
	return lock
}

func (a *Archiver) convDir(conv string) (string, error) {
	if conv == "" || strings.ContainsAny(conv, `/\`) || conv == "." || conv == ".." {
		return "", fmt.Errorf("invalid conversation id %q", conv)
	}
	return filepath.Join(a.root, conv), nil
}

func archiveFileName(version int) string {
	return fmt.Sprintf("archive_v%d.json", version)
}

// versionsOnDisk lists the archive versions present for a conversation,
// unsorted.
func (a *Archiver) versionsOnDisk(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}
	var versions []int
	for _, entry := range entries {
		var v int
		if n, err := fmt.Sscanf(entry.Name(), "archive_v%d.json", &v); n == 1 && err == nil && v >= 1 {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

func maxVersion(versions []int) int {
	max := 0
	for _, v := range versions {
		if v > max {
			max = v
		}
	}
	return max
}

// WriteVersion persists archive as the next version for its
// conversation and updates the manifest. The archive's Version and
// lifecycle metadata fields are assigned here. Returns the version
// written.
func (a *Archiver) WriteVersion(archive *ArchiveVersion) (int, error) {
	dir, err := a.convDir(archive.ConversationID)
	if err != nil {
		return 0, err
	}

	lock := a.convLock(archive.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	versions, err := a.versionsOnDisk(dir)
	if err != nil {
		return 0, err
	}
	previous := maxVersion(versions)
	next := previous + 1

	archive.Version = next
	archive.CreatedAt = time.Now().UTC()
	archive.Metadata.PreviousVersion = previous
	archive.Metadata.SupersedesVersion = previous
	archive.Metadata.IsLatest = true
	archive.Metadata.Status = StatusActive
	archive.Metadata.StorageLocation = StorageHot

	// Archive file first; the manifest only ever points at files that
	// exist. An interruption before the rename leaves no trace.
	if err := writeJSONAtomic(filepath.Join(dir, archiveFileName(next)), archive); err != nil {
		return 0, err
	}

	manifest := a.loadOrSynthesizeManifest(archive.ConversationID, dir)
	now := time.Now().UTC()
	if prev, ok := manifest.Versions[previous]; ok {
		prev.IsLatest = false
		prev.Status = StatusSuperseded
		prev.StorageLocation = StorageCold
		prev.SupersededByVersion = next
		prev.SupersededAt = &now
		manifest.Versions[previous] = prev
	}
	manifest.Versions[next] = VersionRecord{
		IsLatest:          true,
		Status:            StatusActive,
		StorageLocation:   StorageHot,
		PreviousVersion:   previous,
		SupersedesVersion: previous,
	}
	manifest.LatestVersion = next
	manifest.UpdatedAt = now

	if err := writeJSONAtomic(filepath.Join(dir, manifestName), manifest); err != nil {
		return 0, err
	}

	a.logger.Info(context.Background(), "dream archive written",
		"conversation_id", archive.ConversationID,
		"version", next,
		"chunks", len(archive.BChunks),
		"clusters", len(archive.CClusters))
	return next, nil
}

// Archive reads one version, or the latest when version is 0.
func (a *Archiver) Archive(conv string, version int) (*ArchiveVersion, error) {
	dir, err := a.convDir(conv)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		versions, err := a.versionsOnDisk(dir)
		if err != nil {
			return nil, err
		}
		version = maxVersion(versions)
		if version == 0 {
			return nil, ErrNoArchive
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, archiveFileName(version)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	var archive ArchiveVersion
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("corrupt archive v%d for %s: %w", version, conv, err)
	}
	return &archive, nil
}

// Manifest returns the conversation's lifecycle record. A missing or
// unreadable manifest is synthesised from the archive filenames and
// NOT written back.
func (a *Archiver) Manifest(conv string) (*Manifest, error) {
	dir, err := a.convDir(conv)
	if err != nil {
		return nil, err
	}
	versions, err := a.versionsOnDisk(dir)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNoArchive
	}
	return a.loadOrSynthesizeManifest(conv, dir), nil
}

// Lifecycle returns the manifest record for one version (latest when
// version is 0).
func (a *Archiver) Lifecycle(conv string, version int) (int, VersionRecord, error) {
	manifest, err := a.Manifest(conv)
	if err != nil {
		return 0, VersionRecord{}, err
	}
	if version == 0 {
		version = manifest.LatestVersion
	}
	record, ok := manifest.Versions[version]
	if !ok {
		return 0, VersionRecord{}, fmt.Errorf("no lifecycle record for version %d", version)
	}
	return version, record, nil
}

// Conversations lists the conversation ids that have archives.
func (a *Archiver) Conversations() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dreams directory: %w", err)
	}
	var convs []string
	for _, entry := range entries {
		if entry.IsDir() {
			convs = append(convs, entry.Name())
		}
	}
	return convs, nil
}

func (a *Archiver) loadOrSynthesizeManifest(conv, dir string) *Manifest {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err == nil {
		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err == nil {
			if manifest.Versions == nil {
				manifest.Versions = make(map[int]VersionRecord)
			}
			return &manifest
		}
		a.logger.Warn(context.Background(), "corrupt dream manifest, synthesizing from archives", "conversation_id", conv)
	}
	return a.synthesizeManifest(conv, dir)
}

// synthesizeManifest rebuilds lifecycle records from the archive files
// alone: the highest version is latest/active/hot, everything older is
// superseded/cold.
func (a *Archiver) synthesizeManifest(conv, dir string) *Manifest {
	versions, _ := a.versionsOnDisk(dir)
	latest := maxVersion(versions)
	manifest := &Manifest{
		ConversationID: conv,
		LatestVersion:  latest,
		UpdatedAt:      time.Now().UTC(),
		Versions:       make(map[int]VersionRecord),
	}
	for _, v := range versions {
		record := VersionRecord{
			PreviousVersion:   v - 1,
			SupersedesVersion: v - 1,
		}
		if v == latest {
			record.IsLatest = true
			record.Status = StatusActive
			record.StorageLocation = StorageHot
		} else {
			record.Status = StatusSuperseded
			record.StorageLocation = StorageCold
			record.SupersededByVersion = v + 1
		}
		manifest.Versions[v] = record
	}
	return manifest
}

// writeJSONAtomic marshals v and writes it 0600 via a temp file and
// rename, so an interrupted write leaves no partial file behind.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", filepath.Base(path), err)
	}
	return nil
}

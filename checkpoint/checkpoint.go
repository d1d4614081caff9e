// Package checkpoint implements squadtrans.lock, a lock file that
// tracks MD5 checksums of source paragraph contexts as they complete
// translation. This enables resuming an interrupted translation run:
// paragraphs already translated (and whose source text is unchanged) are
// copied from the previous partial output instead of being sent to the
// API again, saving quota and time.
//
// The lock file is stored alongside the translation output file.
package checkpoint

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileName is the default lock file name.
const FileName = "squadtrans.lock"

// Version is the lock file format version.
const Version = 1

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// File represents the squadtrans.lock file structure.
type File struct {
	Version int `yaml:"version"`
	// Checksums maps paragraph keys ("article/paragraph" indices) to the
	// MD5 of the source context that was translated.
	Checksums map[string]string `yaml:"checksums"`

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// PathFor returns the lock file path for a given output file: the lock
// sits next to the output it checkpoints.
func PathFor(outputFile string) string {
	return filepath.Join(filepath.Dir(outputFile), FileName)
}

// Load reads a lock file. Returns an empty lock file if none exists yet.
func Load(path string) (*File, error) {
	f := &File{
		Version:   Version,
		Checksums: make(map[string]string),
		path:      path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	f.path = path

	if f.Checksums == nil {
		f.Checksums = make(map[string]string)
	}

	return f, nil
}

// Save writes the lock file to disk.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}

	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}

	return nil
}

// Discard removes the lock file from disk, used after a run completes
// fully so a later run starts fresh.
func (f *File) Discard() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", f.path, err)
	}
	f.Checksums = make(map[string]string)
	return nil
}

// Path returns the lock file path.
func (f *File) Path() string {
	return f.path
}

// ---------------------------------------------------------------------------
// Checksum operations
// ---------------------------------------------------------------------------

// Hash computes the MD5 hex digest of a string.
func Hash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// Key builds the lock file key for a paragraph by its position in the
// source dataset.
func Key(article, paragraph int) string {
	return fmt.Sprintf("%d/%d", article, paragraph)
}

// Done reports whether the paragraph at key was already translated from
// exactly this source context.
func (f *File) Done(key, sourceContext string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	sum, ok := f.Checksums[key]
	return ok && sum == Hash(sourceContext)
}

// Mark records the paragraph at key as translated.
func (f *File) Mark(key, sourceContext string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Checksums[key] = Hash(sourceContext)
}

// Count returns the number of completed paragraphs.
func (f *File) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Checksums)
}

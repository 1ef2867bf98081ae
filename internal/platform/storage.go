package platform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/CamGo/internal/debug"
)

// MediaRecord is one entry of the media catalog.
type MediaRecord struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	DisplayName string    `yaml:"display_name" json:"display_name"`
	Path        string    `yaml:"path" json:"path"`
	DateTaken   time.Time `yaml:"date_taken" json:"date_taken"`
	Width       int       `yaml:"width" json:"width"`
	Height      int       `yaml:"height" json:"height"`
	Orientation int       `yaml:"orientation" json:"orientation"`
	Latitude    *float64  `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude   *float64  `yaml:"longitude,omitempty" json:"longitude,omitempty"`
}

// StorageWriter persists captured bytes and indexes them.
type StorageWriter interface {
	WriteBytes(path string, data []byte) error
	IndexMedia(rec MediaRecord) error
}

// DirStorage writes captures below Dir and appends catalog records to a
// YAML stream, one document per capture.
type DirStorage struct {
	Dir       string
	IndexFile string // relative to Dir unless absolute

	mu sync.Mutex
}

// NewDirStorage creates the capture directory if needed.
func NewDirStorage(dir, indexFile string) (*DirStorage, error) {
	dir = resolveDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	if indexFile == "" {
		indexFile = "index.yaml"
	}
	return &DirStorage{Dir: dir, IndexFile: indexFile}, nil
}

// IndexPath returns the catalog location.
func (s *DirStorage) IndexPath() string {
	if filepath.IsAbs(s.IndexFile) {
		return s.IndexFile
	}
	return filepath.Join(s.Dir, s.IndexFile)
}

// WriteBytes writes data to path through a temporary file in the same
// directory, so readers never observe a partial image.
func (s *DirStorage) WriteBytes(path string, data []byte) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Dir, path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	debug.Verbose("Storage: wrote %d bytes to %s", len(data), path)
	return nil
}

// IndexMedia appends rec to the catalog.
func (s *DirStorage) IndexMedia(rec MediaRecord) error {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode media record: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode media record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.IndexPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Catalog reads every record from the catalog, oldest first. A missing
// catalog is empty.
func (s *DirStorage) Catalog() ([]MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.IndexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []MediaRecord
	dec := yaml.NewDecoder(f)
	for {
		var rec MediaRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode catalog: %w", err)
		}
		out = append(out, rec)
	}
}

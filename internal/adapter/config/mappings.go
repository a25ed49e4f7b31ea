package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"gopkg.in/yaml.v3"
)

// File names read when the mapping path is a directory.
const (
	DevicesFileName     = "devices.json"
	MappingsFileName    = "mappings.json"
	StatusAlarmFileName = "status_alarm.json"
)

// FileLoader reads the mapping table from disk. The path is either a single
// YAML or JSON document holding devices, mappings and status_alarm, or a
// directory holding one JSON list per section.
type FileLoader struct {
	path string
}

// NewFileLoader creates a loader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path returns the configured path.
func (l *FileLoader) Path() string {
	return l.path
}

// LoadMappings implements domain.MappingSource.
func (l *FileLoader) LoadMappings(ctx context.Context) (domain.MappingTable, error) {
	if err := ctx.Err(); err != nil {
		return domain.MappingTable{}, err
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return domain.MappingTable{}, fmt.Errorf("failed to stat mapping path: %w", err)
	}
	if info.IsDir() {
		return loadDirectory(l.path)
	}
	return loadDocument(l.path)
}

// IsMappingFile reports whether a change to name affects the loaded table.
func (l *FileLoader) IsMappingFile(name string) bool {
	name = filepath.Clean(name)
	if name == filepath.Clean(l.path) {
		return true
	}
	if filepath.Dir(name) != filepath.Clean(l.path) {
		return false
	}
	switch filepath.Base(name) {
	case DevicesFileName, MappingsFileName, StatusAlarmFileName:
		return true
	}
	return false
}

func loadDocument(path string) (domain.MappingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.MappingTable{}, fmt.Errorf("failed to read mapping file: %w", err)
	}

	var table domain.MappingTable
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &table)
	} else {
		err = yaml.Unmarshal(data, &table)
	}
	if err != nil {
		return domain.MappingTable{}, domain.NewConfigError(filepath.Base(path), "malformed mapping file: %v", err)
	}
	return table, nil
}

func loadDirectory(dir string) (domain.MappingTable, error) {
	var table domain.MappingTable
	if err := readList(filepath.Join(dir, DevicesFileName), &table.Devices); err != nil {
		return domain.MappingTable{}, err
	}
	if err := readList(filepath.Join(dir, MappingsFileName), &table.Mappings); err != nil {
		return domain.MappingTable{}, err
	}
	if err := readList(filepath.Join(dir, StatusAlarmFileName), &table.DigitalPoints); err != nil {
		return domain.MappingTable{}, err
	}
	return table, nil
}

// readList decodes a JSON array. A missing file leaves out untouched.
func readList(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewConfigError(filepath.Base(path), "malformed list: %v", err)
	}
	return nil
}

// SaveMappings writes table as a single document, JSON when path ends in
// .json and YAML otherwise.
func SaveMappings(path string, table domain.MappingTable) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(&table, "", "  ")
	} else {
		data, err = yaml.Marshal(&table)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal mappings: %w", err)
	}

	// Replace atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write mappings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace mappings file: %w", err)
	}
	return nil
}

var _ domain.MappingSource = (*FileLoader)(nil)

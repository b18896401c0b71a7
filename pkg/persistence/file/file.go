// Package file provides file-based persistence for local development and tests.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/conveyor/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root               string
	stateExecutionRepo *StateExecutionRepository
	sweepingOutputRepo *SweepingOutputRepository
	notifyResponseRepo *NotifyResponseRepository
	verificationRepo   *VerificationRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:               cleanRoot,
		stateExecutionRepo: NewStateExecutionRepository(cleanRoot),
		sweepingOutputRepo: NewSweepingOutputRepository(cleanRoot),
		notifyResponseRepo: NewNotifyResponseRepository(cleanRoot),
		verificationRepo:   NewVerificationRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) StateExecutionRepository() persistence.StateExecutionRepository {
	return fp.stateExecutionRepo
}

func (fp *Persistence) SweepingOutputRepository() persistence.SweepingOutputRepository {
	return fp.sweepingOutputRepo
}

func (fp *Persistence) NotifyResponseRepository() persistence.NotifyResponseRepository {
	return fp.notifyResponseRepo
}

func (fp *Persistence) VerificationRepository() persistence.VerificationRepository {
	return fp.verificationRepo
}

// validateKeyPart validates that a key component is safe for file operations.
func validateKeyPart(part string) error {
	if part == "" {
		return fmt.Errorf("%w: key cannot be empty", persistence.ErrInvalidID)
	}

	if strings.Contains(part, "..") || strings.ContainsAny(part, `/\`) {
		return fmt.Errorf("%w: key %q contains invalid characters", persistence.ErrInvalidID, part)
	}

	return nil
}

// writeJSON writes through a temporary file so readers never observe a partial document.
func writeJSON(dir, name string, v any) error {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := filepath.Join(dir, "."+name+".tmp")

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	return os.Rename(tmp, filepath.Join(dir, name+".json"))
}

// readJSON returns an error wrapping os.ErrNotExist when the document is missing.
func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name+".json")) // #nosec G304 -- name is validated by callers
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}

	return nil
}

// listJSON lists the document names in dir, returning nothing when dir does not exist.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}

	return names, nil
}

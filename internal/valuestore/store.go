// Package valuestore keeps data values as files. Next to the data directory
// lives a signal directory with a zero-byte marker per value; the existence
// of a marker means the value is fully written and can be consumed.
package valuestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/secureailabs/jobengine/internal/model"
)

const (
	DataDir    = "data"
	SignalDir  = "signals"
	JobStopDir = "jobstop"

	// StopMarker is created in JobStopDir to ask running job processes to
	// terminate.
	StopMarker = "stop"
)

var (
	ErrInvalidID = errors.New("invalid value id")
	ErrNotReady  = errors.New("value not ready")
)

// Store is safe for concurrent use. Reset must not run concurrently with
// other operations that need the directories to exist, the caller is
// expected to serialize it.
type Store struct {
	workdir string

	mx      sync.RWMutex
	data    *os.Root
	signals *os.Root
}

// New returns a store rooted at workdir. Directories are created by Reset.
func New(workdir string) *Store {
	return &Store{workdir: workdir}
}

func (s *Store) DataPath(id string) string {
	return filepath.Join(s.workdir, DataDir, id)
}

func (s *Store) SignalDir() string {
	return filepath.Join(s.workdir, SignalDir)
}

func (s *Store) StopPath() string {
	return filepath.Join(s.workdir, JobStopDir, StopMarker)
}

// Reset deletes and recreates the data, signal and jobstop directories.
func (s *Store) Reset() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	err := s.closeRoots()
	if err != nil {
		return fmt.Errorf("closing value store: %w", err)
	}

	for _, dir := range []string{DataDir, SignalDir, JobStopDir} {
		path := filepath.Join(s.workdir, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	s.data, err = os.OpenRoot(filepath.Join(s.workdir, DataDir))
	if err != nil {
		return fmt.Errorf("opening data dir: %w", err)
	}
	s.signals, err = os.OpenRoot(filepath.Join(s.workdir, SignalDir))
	if err != nil {
		return fmt.Errorf("opening signal dir: %w", err)
	}
	return nil
}

// Close releases the directory handles.
func (s *Store) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closeRoots()
}

func (s *Store) closeRoots() error {
	var errs []error
	if s.data != nil {
		errs = append(errs, s.data.Close())
		s.data = nil
	}
	if s.signals != nil {
		errs = append(errs, s.signals.Close())
		s.signals = nil
	}
	return errors.Join(errs...)
}

// Put writes the value and then its signal marker.
func (s *Store) Put(id string, b []byte) error {
	if err := validate(id); err != nil {
		return err
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.data == nil {
		return errors.New("value store not initialized")
	}

	if err := s.data.WriteFile(id, b, 0o600); err != nil {
		return fmt.Errorf("writing value %s: %w", id, err)
	}
	return s.markReady(id)
}

// MarkReady creates the signal marker for an already written value. It does
// nothing when the marker exists.
func (s *Store) MarkReady(id string) error {
	if err := validate(id); err != nil {
		return err
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.signals == nil {
		return errors.New("value store not initialized")
	}
	return s.markReady(id)
}

func (s *Store) markReady(id string) error {
	f, err := s.signals.OpenFile(id, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating signal %s: %w", id, err)
	}
	return f.Close()
}

// Ready reports whether the signal marker of id exists.
func (s *Store) Ready(id string) bool {
	if validate(id) != nil {
		return false
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.signals == nil {
		return false
	}
	_, err := s.signals.Stat(id)
	return err == nil
}

// HasData reports whether a data file for id exists, regardless of its
// signal marker.
func (s *Store) HasData(id string) bool {
	if validate(id) != nil {
		return false
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.data == nil {
		return false
	}
	info, err := s.data.Stat(id)
	return err == nil && info.Mode().IsRegular()
}

// Take reads a ready value and removes both the value and its marker.
// Returns ErrNotReady if the marker does not exist.
func (s *Store) Take(id string) ([]byte, error) {
	if err := validate(id); err != nil {
		return nil, err
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.data == nil || s.signals == nil {
		return nil, errors.New("value store not initialized")
	}

	if _, err := s.signals.Stat(id); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotReady)
		}
		return nil, err
	}

	b, err := s.data.ReadFile(id)
	if err != nil {
		return nil, fmt.Errorf("reading value %s: %w", id, err)
	}

	return b, errors.Join(
		s.data.Remove(id),
		s.signals.Remove(id),
	)
}

// Stop writes the global stop marker observed by running job processes.
func (s *Store) Stop() error {
	path := s.StopPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o600)
}

func validate(id string) error {
	if err := model.ValidateValueID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return nil
}

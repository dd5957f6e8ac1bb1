package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"gopkg.in/yaml.v3"
)

// fileStore KeyValueStore persisted as one YAML document
//
// The file is re-read on every Get so values written by other processes are
// picked up.
type fileStore struct {
	common.Component
	path string
	lock sync.Mutex
}

// GetFileStore define a KeyValueStore persisted in a YAML file
//
// A leading "~/" in the path is expanded to the user home directory.
func GetFileStore(path string) (KeyValueStore, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("no credential file path given")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[2:])
	}
	logTags := log.Fields{
		"module": "storage", "component": "file-store", "instance": path,
	}
	return &fileStore{Component: common.Component{LogTags: logTags}, path: path}, nil
}

func (s *fileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Credential file is not valid YAML")
		return nil, err
	}
	return values, nil
}

func (s *fileStore) persist(values map[string]string) error {
	raw, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Get fetch the value of a key
func (s *fileStore) Get(ctxt context.Context, key string) (string, error) {
	if err := ctxt.Err(); err != nil {
		return "", err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	values, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set record a value for a key
func (s *fileStore) Set(ctxt context.Context, key string, value string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	if err := s.persist(values); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to write %s", key)
		return err
	}
	return nil
}

// Delete remove a key
func (s *fileStore) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	if err := s.persist(values); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to delete %s", key)
		return err
	}
	return nil
}

// Close no-op
func (s *fileStore) Close() error {
	return nil
}

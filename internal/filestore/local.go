package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type localStore struct {
	root string
}

func NewLocal(root string) (*localStore, error) {
	if root == "" {
		return nil, errors.New("local storage path is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create storage root %s", root)
	}
	return &localStore{root: root}, nil
}

func (l *localStore) path(key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(l.root)+string(os.PathSeparator)) {
		return "", errors.Errorf("invalid storage key %q", key)
	}
	return p, nil
}

func (l *localStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return errors.Wrap(err, "create key directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), p), "rename file")
}

func (l *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, errors.Wrap(err, "read file")
}

func (l *localStore) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "delete file")
	}
	return nil
}

func (l *localStore) Type() string {
	return "local"
}

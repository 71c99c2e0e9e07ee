// Package documents хранит печатные формы полисов.
package documents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// FileStorage сохраняет документы в каталог на диске: <root>/<policy_id>.pdf.
type FileStorage struct {
	root string
}

// NewFileStorage создаёт каталог root при необходимости.
func NewFileStorage(root string) (*FileStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("documents root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	return &FileStorage{root: root}, nil
}

// Store атомарно записывает документ; повторная запись заменяет файл.
func (s *FileStorage) Store(ctx context.Context, policyID string, document []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := fileName(policyID)
	if err != nil {
		return "", err
	}
	if len(document) == 0 {
		return "", domain.ErrDocumentEmpty
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close document: %w", err)
	}

	path := filepath.Join(s.root, name)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("move document: %w", err)
	}
	return path, nil
}

// MemoryStorage хранит документы в памяти (для тестов и локального запуска).
type MemoryStorage struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStorage создаёт пустое хранилище.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: make(map[string][]byte)}
}

// Store сохраняет копию документа и возвращает путь вида memory://<policy_id>.pdf.
func (s *MemoryStorage) Store(_ context.Context, policyID string, document []byte) (string, error) {
	name, err := fileName(policyID)
	if err != nil {
		return "", err
	}
	if len(document) == 0 {
		return "", domain.ErrDocumentEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := "memory://" + name
	s.docs[path] = append([]byte(nil), document...)
	return path, nil
}

// Get возвращает сохранённый документ по пути.
func (s *MemoryStorage) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	return doc, ok
}

func fileName(policyID string) (string, error) {
	if strings.TrimSpace(policyID) == "" {
		return "", domain.ErrPolicyIDRequired
	}
	if strings.ContainsAny(policyID, `/\`) || policyID == "." || policyID == ".." {
		return "", fmt.Errorf("invalid policy id %q for document name", policyID)
	}
	return policyID + ".pdf", nil
}

var (
	_ domain.DocumentStorage = (*FileStorage)(nil)
	_ domain.DocumentStorage = (*MemoryStorage)(nil)
)

// Package files: реестр файлов, выбранных для прикрепления к сообщению или комментарию.
package files

import (
	"slices"
	"sync"

	"github.com/chatsync/internal/model"
)

// Register хранит выбранные файлы в порядке выбора; ключ: FileRef.ID.
type Register struct {
	mu       sync.RWMutex
	selected []model.FileRef
}

func NewRegister() *Register {
	return &Register{}
}

// Toggle добавляет файл, если его нет, и убирает, если он уже выбран.
func (r *Register) Toggle(f model.FileRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(f.ID); i >= 0 {
		r.selected = slices.Delete(r.selected, i, i+1)
		return
	}
	r.selected = append(r.selected, f)
}

func (r *Register) Clear() {
	r.mu.Lock()
	r.selected = nil
	r.mu.Unlock()
}

// SetAll заменяет выбор целиком; повторы по id отбрасываются, первый сохраняется.
func (r *Register) SetAll(fs []model.FileRef) {
	next := make([]model.FileRef, 0, len(fs))
	seen := make(map[string]struct{}, len(fs))
	for _, f := range fs {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		next = append(next, f)
	}
	r.mu.Lock()
	r.selected = next
	r.mu.Unlock()
}

// Selected возвращает копию выбора.
func (r *Register) Selected() []model.FileRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.selected)
}

func (r *Register) IsSelected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index(id) >= 0
}

func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.selected)
}

func (r *Register) index(id string) int {
	return slices.IndexFunc(r.selected, func(f model.FileRef) bool { return f.ID == id })
}

package languages

import (
	"errors"
	"sort"
	"sync"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

// builtins is the closed set of languages the engine knows how to run.
var builtins = map[execution.LanguageID]func(config.LanguageProfile) Adapter{
	"python":     newPython,
	"javascript": newJavaScript,
	"cpp":        newCPP,
	"go":         newGo,
}

// Info describes a registered language for listings.
type Info struct {
	ID    execution.LanguageID `json:"id"`
	Name  string               `json:"name"`
	Image string               `json:"image,omitempty"`
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[execution.LanguageID]Adapter
}

// NewRegistry registers an adapter for every enabled profile that names a
// built-in language. Unknown ids are ignored; config validation rejects them.
func NewRegistry(profiles map[string]config.LanguageProfile) *Registry {
	r := &Registry{
		adapters: make(map[execution.LanguageID]Adapter),
	}
	for id, p := range profiles {
		if p.Disabled {
			continue
		}
		if ctor, ok := builtins[execution.LanguageID(id)]; ok {
			r.Register(ctor(p))
		}
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id execution.LanguageID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, ErrLanguageNotFound
	}
	return a, nil
}

// List returns the registered languages sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Info, 0, len(r.adapters))
	for _, a := range r.adapters {
		langs = append(langs, Info{ID: a.ID(), Name: a.Name(), Image: a.Image()})
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

// Images returns the distinct container images of the registered languages.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, l := range r.List() {
		if l.Image != "" && !seen[l.Image] {
			seen[l.Image] = true
			images = append(images, l.Image)
		}
	}
	return images
}

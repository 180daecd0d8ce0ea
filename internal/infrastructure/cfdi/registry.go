package cfdi

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
)

//go:embed transforms/*.yaml
var embeddedTransforms embed.FS

const transformPrefix = "cadenaoriginal_"

// TransformRegistry carga las transformaciones por versión del comprobante desde un fs.FS.
// Cada versión se lee una sola vez salvo que la recarga en caliente esté activa o se
// pida Reload explícitamente. Seguro para uso concurrente.
type TransformRegistry struct {
	source    fs.FS
	hotReload bool

	mu     sync.RWMutex
	loaded map[string]*Transform
}

// RegistryOption configura el registro.
type RegistryOption func(*TransformRegistry)

// WithHotReload relee el artefacto en cada Get (solo desarrollo).
func WithHotReload(enabled bool) RegistryOption {
	return func(r *TransformRegistry) { r.hotReload = enabled }
}

// NewTransformRegistry crea el registro sobre source. Los archivos esperados son
// cadenaoriginal_<version>.yaml en la raíz de source.
func NewTransformRegistry(source fs.FS, opts ...RegistryOption) *TransformRegistry {
	r := &TransformRegistry{source: source, loaded: make(map[string]*Transform)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DefaultTransforms artefactos incluidos en el binario.
func DefaultTransforms() fs.FS {
	sub, err := fs.Sub(embeddedTransforms, "transforms")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewTransformRegistryFromDir usa dir si no está vacío; si no, los artefactos embebidos.
func NewTransformRegistryFromDir(dir string, hotReload bool) *TransformRegistry {
	source := DefaultTransforms()
	if strings.TrimSpace(dir) != "" {
		source = os.DirFS(dir)
	}
	return NewTransformRegistry(source, WithHotReload(hotReload))
}

// Get devuelve la transformación de la versión indicada.
func (r *TransformRegistry) Get(version string) (*Transform, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: versión de transformación vacía", domain.ErrCanonicalization)
	}
	if r.hotReload {
		return r.Reload(version)
	}
	r.mu.RLock()
	t, ok := r.loaded[version]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.loaded[version]; ok {
		return t, nil
	}
	t, err := r.read(version)
	if err != nil {
		return nil, err
	}
	r.loaded[version] = t
	return t, nil
}

// Reload vuelve a leer el artefacto de la versión y reemplaza el cargado.
// Si la lectura falla se conserva la versión anterior.
func (r *TransformRegistry) Reload(version string) (*Transform, error) {
	t, err := r.read(version)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.loaded[version] = t
	r.mu.Unlock()
	return t, nil
}

// Versions versiones disponibles en la fuente, ordenadas.
func (r *TransformRegistry) Versions() ([]string, error) {
	matches, err := fs.Glob(r.source, transformPrefix+"*.yaml")
	if err != nil {
		return nil, fmt.Errorf("listar transformaciones: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(path.Base(m), transformPrefix), ".yaml"))
	}
	sort.Strings(out)
	return out, nil
}

func (r *TransformRegistry) read(version string) (*Transform, error) {
	name := transformPrefix + version + ".yaml"
	data, err := fs.ReadFile(r.source, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: versión %q", domain.ErrCanonicalization, domain.ErrTransformNotFound, version)
		}
		return nil, fmt.Errorf("%w: leer %s: %v", domain.ErrCanonicalization, name, err)
	}
	t, err := ParseTransform(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCanonicalization, err)
	}
	if t.Key() != version {
		return nil, fmt.Errorf("%w: %s declara versión %q", domain.ErrCanonicalization, name, t.Key())
	}
	return t, nil
}

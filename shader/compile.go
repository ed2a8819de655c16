package shader

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/internal/cache"
)

//go:embed builtin/scene.wgsl
var sceneSource string

// DefaultCacheSize is the number of modules a Compiler keeps.
const DefaultCacheSize = 64

// ErrCompile wraps every WGSL compilation failure.
var ErrCompile = errors.New("shader: compile failed")

// Source is a named WGSL shader library.
type Source struct {
	Name string
	Code string
}

// Scene returns the embedded library of the three-instance scene.
func Scene() Source {
	return Source{Name: "scene.wgsl", Code: sceneSource}
}

// Load reads a WGSL library from disk.
func Load(path string) (Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("shader: load: %w", err)
	}
	return Source{Name: filepath.Base(path), Code: string(b)}, nil
}

// Module is a compiled shader library.
type Module struct {
	Name        string
	SPIRV       []byte
	EntryPoints []EntryPoint
	Digest      [sha256.Size]byte
}

// Exports returns the entry point names in declaration order.
func (m *Module) Exports() []string {
	names := make([]string, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		names[i] = ep.Name
	}
	return names
}

// Words returns the module as SPIR-V words.
func (m *Module) Words() []uint32 {
	words := make([]uint32, len(m.SPIRV)/4)
	for i := range words {
		words[i] = uint32(m.SPIRV[i*4]) |
			uint32(m.SPIRV[i*4+1])<<8 |
			uint32(m.SPIRV[i*4+2])<<16 |
			uint32(m.SPIRV[i*4+3])<<24
	}
	return words
}

// Compile compiles src without caching.
func Compile(src Source) (*Module, error) {
	digest := sha256.Sum256([]byte(src.Code))
	return compile(src, digest)
}

func compile(src Source, digest [sha256.Size]byte) (*Module, error) {
	if strings.TrimSpace(src.Code) == "" {
		return nil, fmt.Errorf("%w: %s: empty source", ErrCompile, src.Name)
	}
	spirv, err := naga.Compile(src.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, src.Name, err)
	}
	eps, err := EntryPoints(spirv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, src.Name, err)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s: no entry points", ErrCompile, src.Name)
	}
	rt.Logger().Debug("shader: compiled",
		"name", src.Name, "bytes", len(spirv), "entryPoints", len(eps))
	return &Module{Name: src.Name, SPIRV: spirv, EntryPoints: eps, Digest: digest}, nil
}

// Compiler compiles shader libraries and caches the results.
//
// Compiler is safe for concurrent use.
type Compiler struct {
	modules     *cache.Cache[[sha256.Size]byte, *Module]
	parallelism int
}

// NewCompiler creates a Compiler that keeps up to size modules and compiles
// at most parallelism sources at once in CompileAll. Non-positive values
// select DefaultCacheSize and unbounded parallelism.
func NewCompiler(size, parallelism int) *Compiler {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Compiler{
		modules:     cache.New[[sha256.Size]byte, *Module](size),
		parallelism: parallelism,
	}
}

// Compile returns the cached module for src or compiles it. Failed
// compilations are not cached.
func (c *Compiler) Compile(src Source) (*Module, error) {
	digest := sha256.Sum256([]byte(src.Code))
	if m, ok := c.modules.Get(digest); ok {
		return m, nil
	}
	m, err := compile(src, digest)
	if err != nil {
		return nil, err
	}
	c.modules.Set(digest, m)
	return m, nil
}

// CompileAll compiles srcs concurrently and returns the modules in the same
// order. The first failure cancels the remaining compilations.
func (c *Compiler) CompileAll(ctx context.Context, srcs []Source) ([]*Module, error) {
	modules := make([]*Module, len(srcs))
	g, ctx := errgroup.WithContext(ctx)
	if c.parallelism > 0 {
		g.SetLimit(c.parallelism)
	}
	for i, src := range srcs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := c.Compile(src)
			if err != nil {
				return err
			}
			modules[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return modules, nil
}

// Forget drops src from the cache, forcing the next Compile to rebuild it.
func (c *Compiler) Forget(src Source) bool {
	return c.modules.Delete(sha256.Sum256([]byte(src.Code)))
}

// Stats returns the module cache statistics.
func (c *Compiler) Stats() cache.Stats {
	return c.modules.Stats()
}

// Package shader compiles WGSL programs to SPIR-V and caches the results.
package shader

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/gogpu/naga"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of compiled modules kept by NewCache(0).
const DefaultCacheSize = 64

// ErrBadSPIRV is returned when compiler output is not whole 32-bit words.
var ErrBadSPIRV = errors.New("shader: SPIR-V length not a multiple of 4")

// Cache memoizes WGSL compilation keyed by a hash of the source.
// Thread safety: Cache is safe for concurrent use.
type Cache struct {
	lru *lru.Cache[uint64, []uint32]
}

// NewCache creates a cache holding up to size modules.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[uint64, []uint32](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Compile returns SPIR-V words for source, compiling on a miss. The
// returned slice is shared and must not be modified.
func (c *Cache) Compile(source string) ([]uint32, error) {
	key := xxhash.Sum64String(source)
	if words, ok := c.lru.Get(key); ok {
		return words, nil
	}
	words, err := Compile(source)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, words)
	return words, nil
}

// Len returns the number of cached modules.
func (c *Cache) Len() int { return c.lru.Len() }

// Compile compiles WGSL source to SPIR-V words.
func Compile(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: compile: %w", err)
	}
	return Words(spirv)
}

// Words converts little-endian SPIR-V bytes to words.
func Words(spirv []byte) ([]uint32, error) {
	if len(spirv)%4 != 0 {
		return nil, ErrBadSPIRV
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	return words, nil
}

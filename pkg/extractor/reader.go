// Package extractor implements component M: its Extract operation opens
// an image through the cache reader and Mach-O view and runs the pointer
// tracker and symbolizer over it, separate Context methods run the stub
// fixer, objc walker, fixup encoder and layout planner, and it owns the
// accelerator shared across a sequential multi-image run.
package extractor

import (
	"fmt"
	"io"

	"github.com/appsworld/dyldextractor/pkg/dyldcache"
)

// cacheReader adapts a *dyldcache.Cache into types.MachoReader so the
// root macho package's NewFile can parse an image directly out of the
// cache's mmap'd bytes via virtual-address seeks, without first copying
// the image out to a standalone file.
type cacheReader struct {
	cache *dyldcache.Cache
	pos   int64 // current virtual address cursor, used by Read/Seek
	base  int64 // the image's load address, offset 0 in the reader's own coordinate space
}

func newCacheReader(cache *dyldcache.Cache, imageLoadAddr uint64) *cacheReader {
	return &cacheReader{cache: cache, base: int64(imageLoadAddr), pos: int64(imageLoadAddr)}
}

func (r *cacheReader) Read(p []byte) (int, error) {
	n, err := r.ReadAtAddr(p, uint64(r.pos))
	r.pos += int64(n)
	return n, err
}

func (r *cacheReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = r.base + offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		return 0, fmt.Errorf("extractor: SeekEnd unsupported on cache reader")
	}
	return r.pos - r.base, nil
}

func (r *cacheReader) ReadAt(p []byte, off int64) (int, error) {
	return r.ReadAtAddr(p, uint64(r.base+off))
}

func (r *cacheReader) SeekToAddr(addr uint64) error {
	r.pos = int64(addr)
	return nil
}

func (r *cacheReader) ReadAtAddr(buf []byte, addr uint64) (int, error) {
	fileOff, sc, err := r.cache.Convert(addr)
	if err != nil {
		return 0, err
	}
	return sc.ReadAt(buf, int64(fileOff))
}

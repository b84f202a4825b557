package deploy

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// FileChecksum is one entry of a package manifest.
type FileChecksum struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Manifest lists the files of a package in walk order. Checksum is the
// aggregate over every "path:checksum" line, so it changes when any file
// is renamed, added, removed or modified.
type Manifest struct {
	Files     []FileChecksum `json:"files"`
	Checksum  string         `json:"checksum"`
	TotalSize int64          `json:"total_size"`
}

// Package is a gzip-compressed tarball of an artifact directory on local
// disk. Remove must be called once it is no longer needed.
type Package struct {
	Path     string
	Size     int64
	Manifest Manifest
}

func (p *Package) Remove() error {
	if p == nil || p.Path == "" {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func formatSum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// walkFiles visits regular files under root in lexical order and passes
// their slash-separated path relative to root.
func walkFiles(ctx context.Context, root string, visit func(rel, abs string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return visit(filepath.ToSlash(rel), path, info)
	})
}

func aggregate(files []FileChecksum) string {
	h := xxhash.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s:%s\n", f.Path, f.Checksum)
	}
	return formatSum(h.Sum64())
}

// Checksums computes the manifest of dir without archiving it.
func Checksums(ctx context.Context, dir string) (Manifest, error) {
	var m Manifest
	err := walkFiles(ctx, dir, func(rel, abs string, info fs.FileInfo) error {
		f, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer f.Close()
		h := xxhash.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		m.Files = append(m.Files, FileChecksum{Path: rel, Size: info.Size(), Checksum: formatSum(h.Sum64())})
		m.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	m.Checksum = aggregate(m.Files)
	return m, nil
}

// Pack archives dir into a new temporary file under tmpDir and computes its
// manifest in the same pass. The temporary file is removed on failure.
func Pack(ctx context.Context, dir, tmpDir string) (pkg *Package, err error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	out, err := os.CreateTemp(tmpDir, "acceltune-deploy-*.tar.gz")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	var m Manifest
	err = walkFiles(ctx, dir, func(rel, abs string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer f.Close()
		h := xxhash.New()
		n, err := io.Copy(io.MultiWriter(tw, h), f)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, FileChecksum{Path: rel, Size: n, Checksum: formatSum(h.Sum64())})
		m.TotalSize += n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err = tw.Close(); err != nil {
		return nil, err
	}
	if err = gz.Close(); err != nil {
		return nil, err
	}
	if err = out.Close(); err != nil {
		return nil, err
	}
	m.Checksum = aggregate(m.Files)

	st, err := os.Stat(out.Name())
	if err != nil {
		return nil, err
	}
	return &Package{Path: out.Name(), Size: st.Size(), Manifest: m}, nil
}

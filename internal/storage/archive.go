package storage

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type ArchiveFormat string

const (
	ArchiveTarGz ArchiveFormat = "tar.gz"
	ArchiveZip   ArchiveFormat = "zip"
)

// ArchivePolicy decides which uploaded files are unpacked after upload.
type ArchivePolicy struct {
	patterns []string
}

func NewArchivePolicy(patterns []string) (*ArchivePolicy, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid archive pattern %q", p)
		}
	}
	return &ArchivePolicy{patterns: patterns}, nil
}

func (a *ArchivePolicy) Matches(p string) bool {
	if a == nil {
		return false
	}
	p = Clean(p)
	for _, pattern := range a.patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

func FormatOf(p string) (ArchiveFormat, error) {
	name := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return ArchiveTarGz, nil
	case strings.HasSuffix(name, ".zip"):
		return ArchiveZip, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedArchive, p)
}

// entryWriter stores one extracted entry. dir is set for directory entries.
type entryWriter func(name string, dir bool, size int64, r io.Reader) error

func extractTarGz(r io.Reader, write entryWriter) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := write(hdr.Name, true, 0, nil); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := write(hdr.Name, false, hdr.Size, tr); err != nil {
				return err
			}
		}
	}
}

func extractZip(r io.ReaderAt, size int64, write entryWriter) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			if err := write(f.Name, true, 0, nil); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = write(f.Name, false, int64(f.UncompressedSize64), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

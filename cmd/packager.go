package cmd

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kaieberl/common-pile/cmd/compressors"
)

// packageDirectory tars up the contents of dir, with member paths relative to
// dir itself, and writes the result to archivePath through the configured
// compressor. Returns the size of the finished archive in bytes. On any
// failure the partial archive is removed.
func packageDirectory(dir string, archivePath string, compression string, level int) (int64, error) {
	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}

	cw, err := compressor.NewWriter(out, level)
	if err != nil {
		out.Close()
		os.Remove(archivePath)
		return 0, err
	}

	tw := tar.NewWriter(cw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})

	// Close order matters: tar first so its trailer flushes through the
	// compressor before the file handle goes away
	closeErrs := []error{tw.Close(), cw.Close(), out.Close()}

	if walkErr != nil {
		os.Remove(archivePath)
		return 0, fmt.Errorf("failed to package %s: %w", dir, walkErr)
	}
	for _, cerr := range closeErrs {
		if cerr != nil {
			os.Remove(archivePath)
			return 0, fmt.Errorf("failed to finalize archive %s: %w", archivePath, cerr)
		}
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive %s: %w", archivePath, err)
	}

	return info.Size(), nil
}

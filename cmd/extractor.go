package cmd

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Static errors for extraction
var (
	ErrUnsafePath = errors.New("archive member resolves outside the extraction directory")
)

// extractStats aggregates counters for a single processed shard
type extractStats struct {
	TexFiles       int   // .tex files kept under the destination directory
	NestedBundles  int   // submissions that were gzipped tar bundles
	FlatFiles      int   // submissions that were a single gzipped TeX file
	EmptyFiles     int   // flat submissions pruned because they decompressed to nothing
	SkippedEntries int   // entries that were not .gz or could not be decoded
	BytesWritten   int64 // total bytes of TeX written
}

// processShard downloads one shard's outer tar and extracts every TeX source
// it contains into destDir. Inner .gz entries are spooled to a sibling temp
// directory first so each one can be read twice: once to probe for a nested
// tar bundle and once more for the flat fallback.
func processShard(ctx context.Context, logger *slog.Logger, fetcher ShardFetcher, id ShardID, destDir string) (extractStats, error) {
	var stats extractStats

	body, size, err := fetcher.Fetch(ctx, id)
	if err != nil {
		return stats, err
	}
	defer body.Close()

	logger.Debug("Downloading shard", "shard", id.String(), "bytes", size)

	spoolDir := filepath.Join(filepath.Dir(filepath.Clean(destDir)), id.String()+"_temp")
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create spool directory: %w", err)
	}
	defer os.RemoveAll(spoolDir)

	spooled, err := spoolSubmissions(ctx, body, id, spoolDir, &stats)
	if err != nil {
		return stats, err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create destination directory: %w", err)
	}

	for _, gzPath := range spooled {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		if err := extractSubmission(logger, gzPath, destDir, &stats); err != nil {
			return stats, err
		}
	}

	logger.Debug("Extracted shard",
		"shard", id.String(),
		"tex_files", stats.TexFiles,
		"nested", stats.NestedBundles,
		"flat", stats.FlatFiles,
		"skipped", stats.SkippedEntries)

	return stats, nil
}

// spoolSubmissions walks the outer tar stream and writes every .gz entry to
// spoolDir, preserving relative paths. Non-submission entries are skipped.
func spoolSubmissions(ctx context.Context, r io.Reader, id ShardID, spoolDir string, stats *extractStats) ([]string, error) {
	tr := tar.NewReader(r)

	var spooled []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read shard archive %s: %w", id, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !strings.HasSuffix(hdr.Name, ".gz") {
			stats.SkippedEntries++
			continue
		}

		rel, err := safeRelPath(hdr.Name)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", id, err)
		}

		target := filepath.Join(spoolDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory for %s: %w", hdr.Name, err)
		}
		if _, err := writeFileFrom(target, tr); err != nil {
			return nil, fmt.Errorf("failed to spool %s from shard %s: %w", hdr.Name, id, err)
		}

		spooled = append(spooled, target)
	}

	return spooled, nil
}

// extractSubmission classifies one spooled .gz payload and extracts its TeX.
// Most submissions are gzipped tar bundles; single-file submissions are a
// bare gzipped TeX document. Undecodable payloads are logged and skipped.
func extractSubmission(logger *slog.Logger, gzPath string, destDir string, stats *extractStats) error {
	base := strings.TrimSuffix(filepath.Base(gzPath), ".gz")

	files, bytes, isBundle, err := extractTexBundle(gzPath, filepath.Join(destDir, base))
	if err != nil {
		return err
	}
	if isBundle {
		stats.NestedBundles++
		stats.TexFiles += files
		stats.BytesWritten += bytes
		return nil
	}

	// Flat fallback: decompress the whole payload as one TeX file
	f, err := os.Open(gzPath)
	if err != nil {
		return fmt.Errorf("failed to reopen spooled submission %s: %w", base, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		logger.Warn("Skipping undecodable submission", "submission", base, "error", err)
		stats.SkippedEntries++
		return nil
	}
	defer gz.Close()

	texPath := filepath.Join(destDir, base+".tex")
	n, err := writeFileFrom(texPath, gz)
	if err != nil {
		os.Remove(texPath)
		if isCorruptGzip(err) {
			logger.Warn("Skipping undecodable submission", "submission", base, "error", err)
			stats.SkippedEntries++
			return nil
		}
		return fmt.Errorf("failed to extract %s: %w", base, err)
	}

	// Some withdrawn or stub submissions decompress to nothing
	if n == 0 {
		if err := os.Remove(texPath); err != nil {
			return fmt.Errorf("failed to remove empty extraction %s: %w", base, err)
		}
		logger.Debug("Pruned empty submission", "submission", base)
		stats.EmptyFiles++
		return nil
	}

	stats.FlatFiles++
	stats.TexFiles++
	stats.BytesWritten += n
	return nil
}

// extractTexBundle tries to read src as a gzipped tar and extract its .tex
// members into bundleDir. Returning isBundle=false without an error means the
// payload is not a tar stream and the caller should fall back to flat
// extraction; any partially created output is removed first. The bundle
// directory is only created once the first .tex member shows up, so bundles
// without TeX leave nothing behind.
func extractTexBundle(src string, bundleDir string) (files int, bytes int64, isBundle bool, err error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to open spooled submission: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		// Not gzip at all; let the flat path report it
		return 0, 0, false, nil
	}
	defer gz.Close()

	// An empty payload is not a bundle; the flat path prunes it
	br := bufio.NewReader(gz)
	if _, err := br.Peek(1); err != nil {
		return 0, 0, false, nil
	}

	tr := tar.NewReader(br)
	created := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Not a tar stream after all, or one that went bad mid-way.
			// Discard partial output and let the caller fall back.
			if created {
				os.RemoveAll(bundleDir)
			}
			return 0, 0, false, nil
		}

		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".tex") {
			continue
		}

		rel, err := safeRelPath(hdr.Name)
		if err != nil {
			if created {
				os.RemoveAll(bundleDir)
			}
			return 0, 0, false, err
		}

		target := filepath.Join(bundleDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return files, bytes, false, fmt.Errorf("failed to create bundle directory: %w", err)
		}
		created = true

		n, err := writeFileFrom(target, tr)
		if err != nil {
			return files, bytes, false, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}

		files++
		bytes += n
	}

	return files, bytes, true, nil
}

// safeRelPath cleans an archive member name and rejects anything that would
// escape the extraction directory
func safeRelPath(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return cleaned, nil
}

// writeFileFrom creates path and copies r into it, returning the bytes written
func writeFileFrom(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, err
	}

	return n, f.Close()
}

// isCorruptGzip reports whether err came from decoding the gzip payload
// rather than from local I/O
func isCorruptGzip(err error) bool {
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var corrupt flate.CorruptInputError
	return errors.As(err, &corrupt)
}

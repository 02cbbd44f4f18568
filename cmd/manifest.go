package cmd

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
)

// Static errors for manifest handling
var (
	ErrManifestMonthInvalid   = errors.New("month bounds must be a YYMM value, e.g. 1501")
	ErrManifestOutputRequired = errors.New("output path for the shard ID file is required")
)

// sourceManifest mirrors the arXiv bulk-source manifest XML. Only the fields
// the generator needs are mapped.
type sourceManifest struct {
	XMLName xml.Name       `xml:"arXivSRC"`
	Files   []manifestFile `xml:"file"`
}

type manifestFile struct {
	Filename  string `xml:"filename"`
	Size      int64  `xml:"size"`
	Timestamp string `xml:"timestamp"`
}

func parseManifest(r io.Reader) (*sourceManifest, error) {
	var manifest sourceManifest
	if err := xml.NewDecoder(r).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest XML: %w", err)
	}
	return &manifest, nil
}

// manifestEntryID turns a manifest filename like "src/arXiv_src_1501_001.tar"
// into its shard ID and month bucket
func manifestEntryID(filename string) (ShardID, string, bool) {
	if !strings.HasSuffix(filename, ".tar") {
		return "", "", false
	}

	id := ShardID(strings.TrimSuffix(path.Base(filename), ".tar"))
	month, ok := id.Month()
	if !ok {
		return "", "", false
	}

	return id, month, true
}

// filterManifest returns the shard IDs whose month falls inside [from, to],
// in manifest order, along with the total size of their source tars. Empty
// bounds leave that side open.
func filterManifest(manifest *sourceManifest, from string, to string) ([]ShardID, int64) {
	var ids []ShardID
	var totalSize int64

	for _, f := range manifest.Files {
		id, month, ok := manifestEntryID(f.Filename)
		if !ok {
			continue
		}
		if from != "" && month < from {
			continue
		}
		if to != "" && month > to {
			continue
		}

		ids = append(ids, id)
		totalSize += f.Size
	}

	return ids, totalSize
}

// runManifest produces a shard ID file from the arXiv source manifest, read
// either from a local XML file or straight from the source bucket
func runManifest(ctx context.Context, logger *slog.Logger, config *Config, manifestPath string, from string, to string, output string) error {
	if from != "" {
		if _, ok := monthTime(from); !ok {
			return fmt.Errorf("%w: '%s'", ErrManifestMonthInvalid, from)
		}
	}
	if to != "" {
		if _, ok := monthTime(to); !ok {
			return fmt.Errorf("%w: '%s'", ErrManifestMonthInvalid, to)
		}
	}
	if output == "" {
		return ErrManifestOutputRequired
	}

	var reader io.ReadCloser
	if manifestPath != "" {
		logger.Info("Reading manifest from " + manifestPath)
		f, err := os.Open(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to open manifest %s: %w", manifestPath, err)
		}
		reader = f
	} else {
		fetcher, err := NewS3Fetcher(config.S3)
		if err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("Fetching manifest from s3://%s/%s",
			config.S3.Bucket, path.Join(config.S3.Prefix, manifestName)))
		r, err := fetcher.FetchManifest(ctx)
		if err != nil {
			return err
		}
		reader = r
	}
	defer reader.Close()

	manifest, err := parseManifest(reader)
	if err != nil {
		return err
	}

	ids, totalSize := filterManifest(manifest, from, to)
	if len(ids) == 0 {
		logger.Warn("No shards matched the month window", "from", from, "to", to)
	}

	if err := WriteShardIDs(output, ids); err != nil {
		return err
	}

	logger.Info(fmt.Sprintf("✅ Wrote %d shard IDs to %s (%.1f GB of sources)",
		len(ids), output, float64(totalSize)/(1024*1024*1024)))
	return nil
}

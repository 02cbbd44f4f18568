package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaieberl/common-pile/cmd/compressors"
)

// Static errors for configuration validation
var (
	ErrIDFileRequired          = errors.New("shard ID file is required")
	ErrWorkDirRequired         = errors.New("working directory is required")
	ErrRepoRequired            = errors.New("dataset repository is required")
	ErrRepoInvalid             = errors.New("dataset repository is invalid: must be of the form 'owner/name'")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrRemoteDirRequired       = errors.New("remote directory is required")
	ErrRemoteDirInvalid        = errors.New("remote directory must be a relative path without '..' segments")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 64")
	ErrCompressionInvalid      = errors.New("compression must be one of: gzip, zstd, lz4, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
)

type Config struct {
	Debug            bool
	LogFormat        string
	DryRun           bool
	Workers          int
	IDFile           string
	WorkDir          string
	Repo             string
	S3               S3Config
	RemoteDir        string // remote path template, e.g. "shards" or "shards/{month}"
	Compression      string
	CompressionLevel int
	OrderCheck       bool // startup check that same-month shard IDs are contiguous
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// validRepoName matches Hugging Face dataset repository IDs (owner/name)
var validRepoName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9._-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" {
		return false
	}

	// Region should be reasonable length
	if len(region) > 50 {
		return false
	}

	// Region should only contain alphanumeric, dash, and underscore
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidRemoteDir validates the remote directory template
func isValidRemoteDir(dir string) bool {
	if strings.HasPrefix(dir, "/") {
		return false
	}
	for _, part := range strings.Split(dir, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0 // no compression, level should be 0
	default:
		return false
	}
}

func (c *Config) Validate() error {
	if c.IDFile == "" {
		return ErrIDFileRequired
	}
	if c.WorkDir == "" {
		return ErrWorkDirRequired
	}

	// Validate dataset repository
	if c.Repo == "" {
		return ErrRepoRequired
	}
	if !validRepoName.MatchString(c.Repo) {
		return fmt.Errorf("%w: '%s'", ErrRepoInvalid, c.Repo)
	}

	// Validate S3 configuration
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.Region != "" && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}

	// Validate remote directory template
	if c.RemoteDir == "" {
		return ErrRemoteDirRequired
	}
	if !isValidRemoteDir(c.RemoteDir) {
		return fmt.Errorf("%w: '%s'", ErrRemoteDirInvalid, c.RemoteDir)
	}

	// Validate workers count
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	// Validate compression through the factory so the list stays in one place
	if _, err := compressors.GetCompressor(c.Compression); err != nil {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}

	return nil
}

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
)

// Static errors for shard ID handling
var (
	ErrShardsNotGrouped = errors.New("shard IDs are not grouped by month")
)

// ShardID identifies one arXiv source shard, e.g. "arXiv_src_1509_001".
// The third underscore-separated field is the submission month (YYMM).
type ShardID string

func (id ShardID) String() string {
	return string(id)
}

// Month returns the YYMM bucket key embedded in the shard ID.
// Returns false if the ID has fewer than three underscore-separated fields.
func (id ShardID) Month() (string, bool) {
	parts := strings.Split(string(id), "_")
	if len(parts) < 3 {
		return "", false
	}
	return parts[2], true
}

// SourceKey returns the object key of the shard's outer tar under the given prefix
func (id ShardID) SourceKey(prefix string) string {
	return path.Join(prefix, string(id)+".tar")
}

// ReadShardIDs reads shard identifiers from a file, one per line.
// Blank lines and surrounding whitespace are ignored; order is preserved.
func ReadShardIDs(filePath string) ([]ShardID, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard ID file: %w", err)
	}
	defer f.Close()

	var ids []ShardID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids = append(ids, ShardID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shard ID file: %w", err)
	}

	return ids, nil
}

// WriteShardIDs writes one shard ID per line
func WriteShardIDs(filePath string, ids []ShardID) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id.String())
		b.WriteByte('\n')
	}

	if err := os.WriteFile(filePath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write shard ID file %s: %w", filePath, err)
	}
	return nil
}

// ValidateGrouping verifies that shard IDs sharing a month are contiguous.
// Month-grouped processing finalizes a bucket as soon as the month changes, so
// a month that reappears later in the list would be packaged and uploaded
// twice. IDs whose month cannot be parsed are ignored here; they are skipped
// with a warning during processing.
func ValidateGrouping(ids []ShardID) error {
	seen := make(map[string]bool)
	current := ""

	for i, id := range ids {
		month, ok := id.Month()
		if !ok {
			continue
		}
		if month == current {
			continue
		}
		if seen[month] {
			return fmt.Errorf("%w: month %s reappears at line %d after an earlier run ended", ErrShardsNotGrouped, month, i+1)
		}
		seen[month] = true
		current = month
	}

	return nil
}

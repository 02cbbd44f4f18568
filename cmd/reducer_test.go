package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// fakePublisher records uploads in memory. It captures each archive's bytes
// before the pipeline deletes the local file, and can be told to reject
// uploads whose remote path contains failOn.
type fakePublisher struct {
	mu       sync.Mutex
	uploads  []string
	archives map[string][]byte
	failOn   string
}

func (p *fakePublisher) Upload(ctx context.Context, localPath string, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failOn != "" && strings.Contains(remotePath, p.failOn) {
		return fmt.Errorf("upload rejected for %s", remotePath)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archive vanished before upload: %w", err)
	}
	if p.archives == nil {
		p.archives = make(map[string][]byte)
	}
	p.archives[remotePath] = data
	p.uploads = append(p.uploads, remotePath)
	return nil
}

func (p *fakePublisher) uploaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uploads...)
}

func writeIDFile(t *testing.T, ids ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arxiv-shards.txt")
	if err := os.WriteFile(path, []byte(strings.Join(ids, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func reducerTestConfig(idFile string, workDir string) *Config {
	return &Config{
		Debug:            true,
		LogFormat:        "text",
		Workers:          1,
		IDFile:           idFile,
		WorkDir:          workDir,
		Repo:             "kai271/arxiv-papers",
		S3:               S3Config{Bucket: "arxiv", Prefix: "src", Region: "us-east-1"},
		RemoteDir:        "shards",
		Compression:      "gzip",
		CompressionLevel: 6,
		OrderCheck:       true,
	}
}

func newTestReducer(config *Config, fetcher ShardFetcher, publisher Publisher) *Reducer {
	return &Reducer{
		config:    config,
		fetcher:   fetcher,
		publisher: publisher,
		logger:    testLogger(),
	}
}

func TestReducerMonthBuckets(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	installFakeUploader(t, "exit 0")

	fetcher := &fakeFetcher{shards: map[ShardID][]byte{
		"arXiv_src_1509_001": tarBytes(t, []tarEntry{
			{"1509/2509.00001.gz", gzipBytes(t, []byte("\\documentclass{article}\n"))},
		}),
		"arXiv_src_1509_002": tarBytes(t, []tarEntry{
			{"1509/2509.00002.gz", texBundle(t, []tarEntry{
				{"main.tex", []byte("\\begin{document}\n")},
			})},
		}),
		"arXiv_src_1510_001": tarBytes(t, []tarEntry{
			{"1510/2510.00001.gz", gzipBytes(t, []byte("\\documentclass{book}\n"))},
		}),
	}}
	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001", "arXiv_src_1509_002", "arXiv_src_1510_001")

	r := newTestReducer(reducerTestConfig(idFile, workDir), fetcher, publisher)
	if err := r.runReduceProcess(context.Background(), nil); err != nil {
		t.Fatalf("Reduce run failed: %v", err)
	}

	// One archive per month, uploaded in input order
	wantUploads := []string{"shards/1509_tex.tar.gz", "shards/1510_tex.tar.gz"}
	got := publisher.uploaded()
	if len(got) != len(wantUploads) {
		t.Fatalf("Expected uploads %v, got %v", wantUploads, got)
	}
	for i, want := range wantUploads {
		if got[i] != want {
			t.Errorf("Upload %d: expected %s, got %s", i, want, got[i])
		}
	}

	if len(r.archives) != 2 {
		t.Fatalf("Expected 2 archive results, got %d", len(r.archives))
	}
	first := r.archives[0]
	if first.Scope != "1509" || first.Shards != 2 || first.TexFiles != 2 {
		t.Errorf("1509 archive: expected 2 shards with 2 TeX files, got %+v", first)
	}
	if !first.Uploaded || first.ArchiveBytes <= 0 {
		t.Errorf("1509 archive should be uploaded with a real size, got %+v", first)
	}
	second := r.archives[1]
	if second.Scope != "1510" || second.Shards != 1 || second.TexFiles != 1 {
		t.Errorf("1510 archive: expected 1 shard with 1 TeX file, got %+v", second)
	}

	if len(r.results) != 3 {
		t.Fatalf("Expected 3 shard results, got %d", len(r.results))
	}
	for _, res := range r.results {
		if res.Error != nil || res.Stage != StageComplete || res.TexFiles != 1 {
			t.Errorf("Shard %s: expected clean completion with 1 TeX file, got %+v", res.Shard, res)
		}
	}

	// Month archives carry flat files at the top level and bundles in their
	// own subdirectory
	gz, err := gzip.NewReader(bytes.NewReader(publisher.archives["shards/1509_tex.tar.gz"]))
	if err != nil {
		t.Fatalf("Uploaded archive is not valid gzip: %v", err)
	}
	members, _ := readTarMembers(t, gz)
	gz.Close()
	if _, ok := members["2509.00001.tex"]; !ok {
		t.Errorf("Expected flat member 2509.00001.tex, got %v", memberNames(members))
	}
	if _, ok := members["2509.00002/main.tex"]; !ok {
		t.Errorf("Expected bundle member 2509.00002/main.tex, got %v", memberNames(members))
	}

	// A clean run leaves no working directory behind
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("Working directory should be removed after a clean run")
	}
}

func memberNames(members map[string]string) []string {
	var names []string
	for name := range members {
		names = append(names, name)
	}
	return names
}

func TestReducerUploadFailureKeepsBucket(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	installFakeUploader(t, "exit 0")

	fetcher := &fakeFetcher{shards: map[ShardID][]byte{
		"arXiv_src_1509_001": tarBytes(t, []tarEntry{
			{"1509/2509.00001.gz", gzipBytes(t, []byte("\\documentclass{article}\n"))},
		}),
	}}
	publisher := &fakePublisher{failOn: "1509"}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001")

	r := newTestReducer(reducerTestConfig(idFile, workDir), fetcher, publisher)
	err := r.runReduceProcess(context.Background(), nil)
	if err == nil {
		t.Fatal("Expected upload failure to abort the run")
	}
	if !strings.Contains(err.Error(), "upload rejected") {
		t.Errorf("Expected upload error, got: %v", err)
	}

	// Extracted TeX survives for a rerun, the half-done archive does not
	texPath := filepath.Join(workDir, "1509", "2509.00001.tex")
	if _, statErr := os.Stat(texPath); statErr != nil {
		t.Errorf("Bucket directory should survive a failed upload: %v", statErr)
	}
	archivePath := filepath.Join(workDir, "1509_tex.tar.gz")
	if _, statErr := os.Stat(archivePath); !os.IsNotExist(statErr) {
		t.Errorf("Archive should be removed after a failed upload")
	}

	if len(r.archives) != 0 {
		t.Errorf("Failed upload should not be recorded as an archive, got %+v", r.archives)
	}
}

func TestReducerDryRun(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	// No upload tool anywhere: dry runs must not require it
	t.Setenv("PATH", t.TempDir())

	// An empty fetcher proves nothing is downloaded
	fetcher := &fakeFetcher{}
	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001", "arXiv_src_1510_001")

	config := reducerTestConfig(idFile, workDir)
	config.DryRun = true

	r := newTestReducer(config, fetcher, publisher)
	if err := r.runReduceProcess(context.Background(), nil); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	if len(publisher.uploaded()) != 0 {
		t.Errorf("Dry run must not upload, got %v", publisher.uploaded())
	}

	if len(r.results) != 2 {
		t.Fatalf("Expected 2 shard results, got %d", len(r.results))
	}
	for _, res := range r.results {
		if !res.Skipped || res.SkipReason != "dry run" || res.Stage != StageSkipped {
			t.Errorf("Shard %s: expected dry-run skip, got %+v", res.Shard, res)
		}
	}

	if len(r.archives) != 2 {
		t.Fatalf("Expected 2 planned archives, got %d", len(r.archives))
	}
	for _, a := range r.archives {
		if a.Uploaded {
			t.Errorf("Dry-run archive %s should not be marked uploaded", a.Scope)
		}
	}
	if r.archives[0].RemotePath != "shards/1509_tex.tar.gz" {
		t.Errorf("Expected remote path shards/1509_tex.tar.gz, got %s", r.archives[0].RemotePath)
	}
}

func TestReducerFailFast(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	installFakeUploader(t, "exit 0")

	// Only the second shard exists; the first must abort the run before the
	// second is ever touched
	fetcher := &fakeFetcher{shards: map[ShardID][]byte{
		"arXiv_src_1509_002": tarBytes(t, []tarEntry{
			{"1509/2509.00002.gz", gzipBytes(t, []byte("\\documentclass{article}\n"))},
		}),
	}}
	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001", "arXiv_src_1509_002")

	r := newTestReducer(reducerTestConfig(idFile, workDir), fetcher, publisher)
	err := r.runReduceProcess(context.Background(), nil)
	if !errors.Is(err, ErrShardNotFound) {
		t.Fatalf("Expected ErrShardNotFound, got: %v", err)
	}
	if !strings.Contains(err.Error(), "shard arXiv_src_1509_001 failed") {
		t.Errorf("Error should name the failing shard, got: %v", err)
	}

	if len(r.results) != 1 {
		t.Errorf("Run should stop at the first failure, got %d results", len(r.results))
	}
	if len(publisher.uploaded()) != 0 {
		t.Errorf("Nothing should be uploaded after a failed shard, got %v", publisher.uploaded())
	}
}

func TestReducerEmptyMonthSkipped(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	installFakeUploader(t, "exit 0")

	// The only submission is withdrawn, so the month produces no TeX
	fetcher := &fakeFetcher{shards: map[ShardID][]byte{
		"arXiv_src_1509_001": tarBytes(t, []tarEntry{
			{"1509/2509.00001.gz", gzipBytes(t, nil)},
		}),
	}}
	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001")

	r := newTestReducer(reducerTestConfig(idFile, workDir), fetcher, publisher)
	if err := r.runReduceProcess(context.Background(), nil); err != nil {
		t.Fatalf("Empty month should not fail the run: %v", err)
	}

	if len(publisher.uploaded()) != 0 {
		t.Errorf("Empty month must not be uploaded, got %v", publisher.uploaded())
	}
	if len(r.archives) != 1 {
		t.Fatalf("Expected 1 archive result, got %d", len(r.archives))
	}
	if r.archives[0].Uploaded || r.archives[0].ArchiveBytes != 0 {
		t.Errorf("Empty month archive should be a skipped placeholder, got %+v", r.archives[0])
	}

	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("Working directory should be removed after skipping an empty month")
	}
}

func TestReducerRejectsUngroupedIDs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001", "arXiv_src_1510_001", "arXiv_src_1509_002")

	r := newTestReducer(reducerTestConfig(idFile, workDir), &fakeFetcher{}, publisher)
	err := r.runReduceProcess(context.Background(), nil)
	if !errors.Is(err, ErrShardsNotGrouped) {
		t.Fatalf("Expected ErrShardsNotGrouped, got: %v", err)
	}
	if len(r.results) != 0 {
		t.Errorf("Grouping check should run before any shard, got %d results", len(r.results))
	}
}

func TestReducerCancelledContext(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "arXiv_src_1509_001")

	config := reducerTestConfig(idFile, workDir)
	config.DryRun = true

	r := newTestReducer(config, &fakeFetcher{}, &fakePublisher{})
	err := r.runReduceProcess(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if len(r.results) != 0 {
		t.Errorf("Cancelled run should process nothing, got %d results", len(r.results))
	}
}

func TestReducerSkipsUnrecognizedIDs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	installFakeUploader(t, "exit 0")

	fetcher := &fakeFetcher{shards: map[ShardID][]byte{
		"arXiv_src_1509_001": tarBytes(t, []tarEntry{
			{"1509/2509.00001.gz", gzipBytes(t, []byte("\\documentclass{article}\n"))},
		}),
	}}
	publisher := &fakePublisher{}
	workDir := filepath.Join(t.TempDir(), "data")
	idFile := writeIDFile(t, "README", "arXiv_src_1509_001")

	r := newTestReducer(reducerTestConfig(idFile, workDir), fetcher, publisher)
	if err := r.runReduceProcess(context.Background(), nil); err != nil {
		t.Fatalf("Unrecognized ID should be skipped, not fatal: %v", err)
	}

	if len(r.results) != 2 {
		t.Fatalf("Expected 2 shard results, got %d", len(r.results))
	}
	if !r.results[0].Skipped || r.results[0].SkipReason != "unrecognized shard ID format" {
		t.Errorf("Expected unrecognized-ID skip, got %+v", r.results[0])
	}
	if r.results[1].Error != nil || r.results[1].TexFiles != 1 {
		t.Errorf("Valid shard should still be processed, got %+v", r.results[1])
	}

	if got := publisher.uploaded(); len(got) != 1 || got[0] != "shards/1509_tex.tar.gz" {
		t.Errorf("Expected single upload for 1509, got %v", got)
	}
}

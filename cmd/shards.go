package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kaieberl/common-pile/cmd/compressors"
)

// Static errors for the per-shard pool
var (
	ErrShardsFailed = errors.New("one or more shards failed")
)

type shardJob struct {
	index int
	id    ShardID
}

// ShardPool processes shards independently with a bounded worker pool. Each
// worker fetches a shard into its own directory, packages it, and uploads one
// archive per shard. A failed shard never stops the others.
type ShardPool struct {
	config    *Config
	fetcher   ShardFetcher
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	results  []ShardResult
	archives []ArchiveResult
	total    int
}

func NewShardPool(config *Config, logger *slog.Logger) (*ShardPool, error) {
	p := &ShardPool{
		config:    config,
		publisher: NewHFPublisher(config.Repo),
		logger:    logger,
	}

	// Dry runs plan fetches and uploads without performing either, so they
	// must work without AWS credentials; the dry-run paths never touch the
	// fetcher
	if !config.DryRun {
		fetcher, err := NewS3Fetcher(config.S3)
		if err != nil {
			return nil, err
		}
		p.fetcher = fetcher
	}

	return p, nil
}

func (p *ShardPool) Run(ctx context.Context) error {
	// Write PID file
	if err := WritePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() {
		_ = RemovePIDFile()
	}()

	// Initialize task info
	taskInfo := &TaskInfo{
		PID:         os.Getpid(),
		StartTime:   time.Now(),
		Command:     "shards",
		IDFile:      p.config.IDFile,
		Repo:        p.config.Repo,
		Workers:     p.config.Workers,
		CurrentTask: "Starting shard pool",
	}
	_ = WriteTaskInfo(taskInfo)
	defer func() {
		_ = RemoveTaskFile()
	}()

	// In debug mode, skip the TUI and run with simple text output
	if p.config.Debug {
		p.logger.Info("Running in debug mode - TUI disabled for better log visibility")

		err := p.runShardProcess(ctx, nil)
		if errors.Is(err, context.Canceled) {
			p.logger.Info("⚠️  Run cancelled by user")
			return err
		}
		if err != nil {
			return err
		}
		p.logger.Info("✅ Run completed")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	progressModel := newProgressModel(ctx, cancel, p.config, "shards", p.runShardProcess, errChan, taskInfo)
	// CRITICAL: Disable Bubble Tea's signal handler so our custom handler can work
	program := tea.NewProgram(progressModel, tea.WithoutSignalHandler())

	go func() {
		time.Sleep(10 * time.Millisecond)
		program.Send(setProgramMsg{program: program})
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("error running progress display: %w", err)
	}

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	default:
	}

	printRunSummary(p.logger, p.results, p.archives)
	return nil
}

// runShardProcess dispatches shards to the worker pool and waits for all of
// them. program is nil in debug mode.
func (p *ShardPool) runShardProcess(ctx context.Context, program *tea.Program) error {
	ids, err := ReadShardIDs(p.config.IDFile)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		p.logger.Info("No shard IDs found to process")
		return nil
	}
	p.total = len(ids)

	// Uploads shell out to huggingface-cli; fail before fetching anything
	// if it is not installed. Dry runs never upload.
	if !p.config.DryRun {
		if err := checkUploadTool(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(p.config.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	if program != nil {
		program.Send(addMessage(fmt.Sprintf("✅ Read %d shard IDs from %s", len(ids), p.config.IDFile)))
	} else {
		p.logger.Info(fmt.Sprintf("✅ Read %d shard IDs from %s (%d workers)", len(ids), p.config.IDFile, p.config.Workers))
	}

	jobs := make(chan shardJob)
	var wg sync.WaitGroup

	for w := 0; w < p.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// Jobs already queued still drain after cancellation,
				// they are just recorded as cancelled instead of run
				select {
				case <-ctx.Done():
					p.recordResult(program, job, ShardResult{
						Shard:     job.id,
						Error:     ctx.Err(),
						Stage:     StageCancelled,
						StartTime: time.Now(),
					}, nil)
					continue
				default:
				}

				result, archive := p.processShardJob(ctx, program, job)
				p.recordResult(program, job, result, archive)
			}
		}()
	}

dispatch:
	for i, id := range ids {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- shardJob{index: i, id: id}:
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// The working directory is only removed when nothing was left behind
	if err := os.Remove(p.config.WorkDir); err == nil {
		p.logger.Debug("Removed empty working directory", "dir", p.config.WorkDir)
	}

	var failed int
	for _, res := range p.results {
		if res.Error != nil {
			failed++
		}
	}

	if program == nil {
		p.logger.Info("✅ All shards processed")
		printRunSummary(p.logger, p.results, p.archives)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrShardsFailed, failed, len(ids))
	}
	return nil
}

// processShardJob runs the full fetch, extract, package, upload sequence for
// one shard inside its own directory
func (p *ShardPool) processShardJob(ctx context.Context, program *tea.Program, job shardJob) (ShardResult, *ArchiveResult) {
	startTime := time.Now()
	result := ShardResult{
		Shard:     job.id,
		StartTime: startTime,
	}
	if month, ok := job.id.Month(); ok {
		result.Month = month
	}

	if program != nil {
		program.Send(shardStart(job.index, p.total, job.id.String(), result.Month))
	} else {
		p.logger.Info(fmt.Sprintf("Processing shard %d/%d: %s", job.index+1, p.total, job.id))
	}

	compressor, err := compressors.GetCompressor(p.config.Compression)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(startTime)
		return result, nil
	}

	archiveName := GenerateArchiveName(job.id.String(), compressor.Extension())
	remotePath := remoteArchivePath(p.config.RemoteDir, job.id.String(), archiveName)

	if p.config.DryRun {
		source := fmt.Sprintf("s3://%s/%s", p.config.S3.Bucket, job.id.SourceKey(p.config.S3.Prefix))
		if program != nil {
			program.Send(addMessage(fmt.Sprintf("⏭️  Would fetch %s and upload %s", source, remotePath)))
		} else {
			p.logger.Info(fmt.Sprintf("Dry run: would fetch %s and upload %s", source, remotePath))
		}
		result.Skipped = true
		result.SkipReason = "dry run"
		result.Stage = StageSkipped
		result.Duration = time.Since(startTime)
		return result, &ArchiveResult{Scope: job.id.String(), RemotePath: remotePath}
	}

	// Each shard extracts into its own directory so workers never share paths
	shardDir := filepath.Join(p.config.WorkDir, job.id.String())

	stats, err := processShard(ctx, p.logger, p.fetcher, job.id, shardDir)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			result.Stage = StageCancelled
		} else {
			result.Stage = StageExtracting
		}
		result.Error = err
		result.Duration = time.Since(startTime)
		return result, nil
	}
	result.TexFiles = stats.TexFiles
	result.BytesWritten = stats.BytesWritten

	// A shard with no TeX sources produces no archive
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		result.Error = fmt.Errorf("failed to read shard directory %s: %w", shardDir, err)
		result.Stage = StagePackaging
		result.Duration = time.Since(startTime)
		return result, nil
	}
	if len(entries) == 0 {
		_ = os.Remove(shardDir)
		result.Skipped = true
		result.SkipReason = "no TeX sources in shard"
		result.Stage = StageSkipped
		result.Duration = time.Since(startTime)
		return result, nil
	}

	archivePath := filepath.Join(p.config.WorkDir, archiveName)
	size, err := packageDirectory(shardDir, archivePath, p.config.Compression, p.config.CompressionLevel)
	if err != nil {
		result.Error = err
		result.Stage = StagePackaging
		result.Duration = time.Since(startTime)
		return result, nil
	}

	if err := p.publisher.Upload(ctx, archivePath, remotePath); err != nil {
		// Keep the shard directory: re-extracting it is the expensive part
		_ = os.Remove(archivePath)
		result.Error = err
		result.Stage = StageUploading
		result.Duration = time.Since(startTime)
		return result, nil
	}

	if err := os.Remove(archivePath); err != nil {
		result.Error = fmt.Errorf("failed to remove uploaded archive %s: %w", archivePath, err)
		result.Stage = StageUploading
		result.Duration = time.Since(startTime)
		return result, nil
	}
	if err := os.RemoveAll(shardDir); err != nil {
		result.Error = fmt.Errorf("failed to remove shard directory %s: %w", shardDir, err)
		result.Stage = StageUploading
		result.Duration = time.Since(startTime)
		return result, nil
	}

	result.Stage = StageComplete
	result.Duration = time.Since(startTime)

	archive := &ArchiveResult{
		Scope:        job.id.String(),
		Shards:       1,
		TexFiles:     stats.TexFiles,
		ArchiveBytes: size,
		RemotePath:   remotePath,
		Uploaded:     true,
		Duration:     time.Since(startTime),
	}
	return result, archive
}

// recordResult appends a finished shard's outcome and mirrors it to the task
// file and the TUI. Called from worker goroutines.
func (p *ShardPool) recordResult(program *tea.Program, job shardJob, result ShardResult, archive *ArchiveResult) {
	p.mu.Lock()
	p.results = append(p.results, result)
	if archive != nil {
		p.archives = append(p.archives, *archive)
	}
	done := len(p.results)

	if taskInfo, err := ReadTaskInfo(); err == nil {
		taskInfo.CurrentShard = result.Shard.String()
		taskInfo.CurrentMonth = result.Month
		taskInfo.ShardsDone = done
		taskInfo.ShardsTotal = p.total
		taskInfo.CurrentTask = fmt.Sprintf("Processed %d/%d shards", done, p.total)
		_ = WriteTaskInfo(taskInfo)
	}
	p.mu.Unlock()

	if program != nil {
		program.Send(completeShard(job.index, result))
		return
	}

	switch {
	case result.Error != nil:
		p.logger.Error(fmt.Sprintf("  ❌ %s failed: %v", result.Shard, result.Error))
	case result.Skipped:
		p.logger.Info(fmt.Sprintf("  ⏭️  %s skipped: %s", result.Shard, result.SkipReason))
	default:
		p.logger.Info(fmt.Sprintf("  ✅ %s: %d TeX files (%d bytes)", result.Shard, result.TexFiles, result.BytesWritten))
	}
}

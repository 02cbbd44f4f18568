package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kaieberl/common-pile/cmd/compressors"
)

// Stage constants
const (
	StageSkipped    = "Skipped"
	StageCancelled  = "Cancelled"
	StageExtracting = "Extracting"
	StagePackaging  = "Packaging"
	StageUploading  = "Uploading"
	StageComplete   = "Complete"
)

// Reducer streams shards in file order, extracts their TeX into per-month
// bucket directories, and packages and uploads each bucket as soon as the
// month changes. Any failure ends the run.
type Reducer struct {
	config    *Config
	fetcher   ShardFetcher
	publisher Publisher
	logger    *slog.Logger

	results  []ShardResult
	archives []ArchiveResult
}

// ShardResult captures the outcome of processing one shard
type ShardResult struct {
	Shard        ShardID
	Month        string
	Skipped      bool
	SkipReason   string
	Error        error
	TexFiles     int
	BytesWritten int64 // bytes of TeX extracted from this shard
	Stage        string
	StartTime    time.Time
	Duration     time.Duration
}

// ArchiveResult captures one packaged bucket archive
type ArchiveResult struct {
	Scope        string // month bucket, or shard ID in per-shard mode
	Shards       int
	TexFiles     int
	ArchiveBytes int64
	RemotePath   string
	Uploaded     bool // false on dry runs and empty buckets
	Duration     time.Duration
}

func NewReducer(config *Config, logger *slog.Logger) (*Reducer, error) {
	r := &Reducer{
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
		r.fetcher = fetcher
	}

	return r, nil
}

func (r *Reducer) Run(ctx context.Context) error {
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
		Command:     "reduce",
		IDFile:      r.config.IDFile,
		Repo:        r.config.Repo,
		CurrentTask: "Starting reducer",
	}
	_ = WriteTaskInfo(taskInfo)
	defer func() {
		_ = RemoveTaskFile()
	}()

	// In debug mode, skip the TUI and run with simple text output
	if r.config.Debug {
		r.logger.Info("Running in debug mode - TUI disabled for better log visibility")

		err := r.runReduceProcess(ctx, nil)
		if errors.Is(err, context.Canceled) {
			r.logger.Info("⚠️  Run cancelled by user")
			return err
		}
		if err != nil {
			return err
		}
		r.logger.Info("✅ Run completed")
		return nil
	}

	// Start the UI (normal mode). Create a cancellable context so the TUI
	// can stop the pipeline.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	progressModel := newProgressModel(ctx, cancel, r.config, "reduce", r.runReduceProcess, errChan, taskInfo)
	// CRITICAL: Disable Bubble Tea's signal handler so our custom handler can work
	program := tea.NewProgram(progressModel, tea.WithoutSignalHandler())

	// Store the program reference in the model so the pipeline goroutine can
	// send messages. Use a goroutine to avoid blocking before Run() starts.
	go func() {
		time.Sleep(10 * time.Millisecond)
		program.Send(setProgramMsg{program: program})
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("error running progress display: %w", err)
	}

	// Check for errors from the pipeline goroutine
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	default:
	}

	printRunSummary(r.logger, r.results, r.archives)
	return nil
}

// runReduceProcess runs the whole pipeline: read IDs, extract shard by shard,
// finalize a bucket archive whenever the month changes and once at the end.
// program is nil in debug mode.
//
//nolint:gocognit // orchestration function
func (r *Reducer) runReduceProcess(ctx context.Context, program *tea.Program) error {
	var results []ShardResult
	var archives []ArchiveResult
	defer func() {
		r.results = results
		r.archives = archives
	}()

	ids, err := ReadShardIDs(r.config.IDFile)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		r.logger.Info("No shard IDs found to process")
		return nil
	}

	if r.config.OrderCheck {
		if err := ValidateGrouping(ids); err != nil {
			return err
		}
	}

	// Uploads shell out to huggingface-cli; fail before fetching anything
	// if it is not installed. Dry runs never upload.
	if !r.config.DryRun {
		if err := checkUploadTool(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(r.config.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	if program != nil {
		program.Send(addMessage(fmt.Sprintf("✅ Read %d shard IDs from %s", len(ids), r.config.IDFile)))
	} else {
		r.logger.Info(fmt.Sprintf("✅ Read %d shard IDs from %s", len(ids), r.config.IDFile))
	}

	var bucketMonth string
	var bucketDir string
	var bucketShards, bucketFiles int

	finalize := func() error {
		if bucketMonth == "" {
			return nil
		}
		archive, err := r.finalizeBucket(ctx, program, bucketMonth, bucketDir, bucketShards, bucketFiles)
		if err != nil {
			return err
		}
		archives = append(archives, archive)
		bucketMonth, bucketDir = "", ""
		bucketShards, bucketFiles = 0, 0
		return nil
	}

	for i, id := range ids {
		// Check if context was cancelled
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		month, ok := id.Month()
		if !ok {
			r.logger.Warn("Skipping unrecognized shard ID", "shard", id.String())
			results = append(results, ShardResult{
				Shard:      id,
				Skipped:    true,
				SkipReason: "unrecognized shard ID format",
				Stage:      StageSkipped,
				StartTime:  time.Now(),
			})
			continue
		}

		// Month change ends the previous bucket before the new one starts
		if month != bucketMonth {
			if err := finalize(); err != nil {
				return err
			}
			bucketMonth = month
			bucketDir = filepath.Join(r.config.WorkDir, month)
		}

		if taskInfo, terr := ReadTaskInfo(); terr == nil {
			taskInfo.CurrentShard = id.String()
			taskInfo.CurrentMonth = month
			taskInfo.ShardsDone = i
			taskInfo.ShardsTotal = len(ids)
			taskInfo.CurrentTask = "Processing " + id.String()
			_ = WriteTaskInfo(taskInfo)
		}

		if program != nil {
			program.Send(shardStart(i, len(ids), id.String(), month))
		} else {
			r.logger.Info(fmt.Sprintf("Processing shard %d/%d: %s", i+1, len(ids), id))
		}

		result := r.processOneShard(ctx, program, id, month, bucketDir)
		results = append(results, result)

		if program != nil {
			program.Send(completeShard(i, result))
		} else if result.Error == nil {
			r.logger.Info(fmt.Sprintf("  ✅ Success: %d TeX files (%d bytes)", result.TexFiles, result.BytesWritten))
		}

		// A shard failure in reduce mode aborts the run: the bucket it
		// belongs to can no longer be completed
		if result.Error != nil {
			return fmt.Errorf("shard %s failed: %w", id, result.Error)
		}

		bucketShards++
		bucketFiles += result.TexFiles
	}

	// End of input finalizes the last bucket
	if err := finalize(); err != nil {
		return err
	}

	// The working directory is only removed when nothing was left behind
	if err := os.Remove(r.config.WorkDir); err == nil {
		r.logger.Debug("Removed empty working directory", "dir", r.config.WorkDir)
	}

	if program == nil {
		r.logger.Info("✅ All shards processed")
		printRunSummary(r.logger, results, archives)
	}

	return nil
}

// processOneShard fetches and extracts a single shard into its bucket directory
func (r *Reducer) processOneShard(ctx context.Context, program *tea.Program, id ShardID, month string, bucketDir string) ShardResult {
	startTime := time.Now()
	result := ShardResult{
		Shard:     id,
		Month:     month,
		StartTime: startTime,
	}

	// Helper to mirror stage changes into the task file and the TUI
	updateTaskStage := func(stage string) {
		if taskInfo, err := ReadTaskInfo(); err == nil {
			taskInfo.CurrentStep = stage
			taskInfo.CurrentShard = id.String()
			_ = WriteTaskInfo(taskInfo)
		}
		if program != nil {
			program.Send(updateProgress(stage, 0, 0))
		}
	}

	if r.config.DryRun {
		source := fmt.Sprintf("s3://%s/%s", r.config.S3.Bucket, id.SourceKey(r.config.S3.Prefix))
		if program != nil {
			program.Send(addMessage("⏭️  Would fetch " + source))
		} else {
			r.logger.Info("Dry run: would fetch " + source)
		}
		result.Skipped = true
		result.SkipReason = "dry run"
		result.Stage = StageSkipped
		result.Duration = time.Since(startTime)
		return result
	}

	updateTaskStage("Extracting " + id.String())

	stats, err := processShard(ctx, r.logger, r.fetcher, id, bucketDir)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			result.Stage = StageCancelled
		} else {
			result.Stage = StageExtracting
		}
		result.Error = err
		result.Duration = time.Since(startTime)
		return result
	}

	result.TexFiles = stats.TexFiles
	result.BytesWritten = stats.BytesWritten
	result.Stage = StageComplete
	result.Duration = time.Since(startTime)
	return result
}

// finalizeBucket packages a finished month directory and uploads the archive.
// On success both the archive and the bucket directory are removed; a failed
// upload removes only the archive so the extracted TeX survives for a rerun.
func (r *Reducer) finalizeBucket(ctx context.Context, program *tea.Program, month string, bucketDir string, shards int, files int) (ArchiveResult, error) {
	start := time.Now()
	result := ArchiveResult{
		Scope:    month,
		Shards:   shards,
		TexFiles: files,
	}

	compressor, err := compressors.GetCompressor(r.config.Compression)
	if err != nil {
		return result, err
	}

	archiveName := GenerateArchiveName(month, compressor.Extension())
	result.RemotePath = remoteArchivePath(r.config.RemoteDir, month, archiveName)

	if r.config.DryRun {
		if program != nil {
			program.Send(addMessage(fmt.Sprintf("⏭️  Would upload %s to %s", result.RemotePath, r.config.Repo)))
		} else {
			r.logger.Info(fmt.Sprintf("Dry run: would upload %s to %s", result.RemotePath, r.config.Repo))
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	// A month whose shards produced no TeX has nothing worth uploading
	entries, err := os.ReadDir(bucketDir)
	if err != nil {
		return result, fmt.Errorf("failed to read bucket directory %s: %w", bucketDir, err)
	}
	if len(entries) == 0 {
		_ = os.Remove(bucketDir)
		r.logger.Warn("No TeX extracted for month, skipping archive", "month", month)
		result.Duration = time.Since(start)
		return result, nil
	}

	if taskInfo, terr := ReadTaskInfo(); terr == nil {
		taskInfo.CurrentStep = "Packaging " + month
		_ = WriteTaskInfo(taskInfo)
	}
	if program != nil {
		program.Send(updateProgress("Packaging "+month, 0, 0))
	} else {
		r.logger.Info(fmt.Sprintf("Packaging month %s (%d shards, %d TeX files)", month, shards, files))
	}

	archivePath := filepath.Join(r.config.WorkDir, archiveName)
	size, err := packageDirectory(bucketDir, archivePath, r.config.Compression, r.config.CompressionLevel)
	if err != nil {
		return result, err
	}
	result.ArchiveBytes = size

	if program != nil {
		program.Send(updateProgress("Uploading "+archiveName, 0, 0))
	} else {
		r.logger.Info(fmt.Sprintf("Uploading %s (%.2f MB) to %s", result.RemotePath, float64(size)/(1024*1024), r.config.Repo))
	}

	if err := r.publisher.Upload(ctx, archivePath, result.RemotePath); err != nil {
		// Keep the bucket directory: re-extracting it is the expensive part
		_ = os.Remove(archivePath)
		return result, err
	}
	result.Uploaded = true

	if err := os.Remove(archivePath); err != nil {
		return result, fmt.Errorf("failed to remove uploaded archive %s: %w", archivePath, err)
	}
	if err := os.RemoveAll(bucketDir); err != nil {
		return result, fmt.Errorf("failed to remove bucket directory %s: %w", bucketDir, err)
	}

	result.Duration = time.Since(start)

	if program != nil {
		program.Send(addMessage(fmt.Sprintf("📦 Uploaded %s (%.2f MB)", result.RemotePath, float64(size)/(1024*1024))))
	} else {
		r.logger.Info(fmt.Sprintf("✅ Uploaded %s", result.RemotePath))
	}

	return result, nil
}

func printRunSummary(logger *slog.Logger, results []ShardResult, archives []ArchiveResult) {
	var successful, failed, skipped int
	var texFiles int

	for _, res := range results {
		if res.Error != nil {
			failed++
		} else if res.Skipped {
			skipped++
		} else {
			successful++
			texFiles += res.TexFiles
		}
	}

	var uploaded int
	var archiveBytes int64
	for _, a := range archives {
		if a.Uploaded {
			uploaded++
			archiveBytes += a.ArchiveBytes
		}
	}

	logger.Info("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Info("📈 Summary")
	logger.Info(fmt.Sprintf("✅ Shards processed: %d", successful))
	logger.Info(fmt.Sprintf("⏭️  Skipped: %d", skipped))
	if failed > 0 {
		logger.Info(fmt.Sprintf("❌ Failed: %d", failed))
	}
	logger.Info(fmt.Sprintf("📄 TeX files extracted: %d", texFiles))
	logger.Info(fmt.Sprintf("📦 Archives uploaded: %d", uploaded))

	if archiveBytes > 0 {
		logger.Info(fmt.Sprintf("💾 Total archive size: %.2f MB", float64(archiveBytes)/(1024*1024)))
	}

	for _, res := range results {
		if res.Error != nil {
			logger.Error(fmt.Sprintf("\n❌ %s: %v", res.Shard, res.Error))
		}
	}
}

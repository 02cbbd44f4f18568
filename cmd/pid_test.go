package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestPIDFile(t *testing.T) {
	// Create temporary directory
	tempDir, err := os.MkdirTemp("", "pid_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	// Override home directory
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", originalHome)

	t.Run("WritePIDFile", func(t *testing.T) {
		err := WritePIDFile()
		if err != nil {
			t.Fatal(err)
		}

		// Verify file exists
		pidPath := GetPIDFilePath()
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			t.Fatal("PID file should exist")
		}

		// Verify content
		data, err := os.ReadFile(pidPath)
		if err != nil {
			t.Fatal(err)
		}

		pid := os.Getpid()
		expectedPID := strconv.Itoa(pid)
		if string(data) != expectedPID {
			t.Fatalf("expected PID %s, got %s", expectedPID, string(data))
		}
	})

	t.Run("ReadPIDFile", func(t *testing.T) {
		// Write PID file first
		err := WritePIDFile()
		if err != nil {
			t.Fatal(err)
		}

		// Read it back
		pid, err := ReadPIDFile()
		if err != nil {
			t.Fatal(err)
		}

		expectedPID := os.Getpid()
		if pid != expectedPID {
			t.Fatalf("expected PID %d, got %d", expectedPID, pid)
		}
	})

	t.Run("ReadPIDFileNotExist", func(t *testing.T) {
		// Remove PID file if it exists
		pidPath := GetPIDFilePath()
		os.Remove(pidPath)

		// Try to read
		_, err := ReadPIDFile()
		if err == nil {
			t.Fatal("expected error when PID file doesn't exist")
		}
	})

	t.Run("RemovePIDFile", func(t *testing.T) {
		// Write PID file
		err := WritePIDFile()
		if err != nil {
			t.Fatal(err)
		}

		// Remove it
		err = RemovePIDFile()
		if err != nil {
			t.Fatal(err)
		}

		// Verify it's gone
		pidPath := GetPIDFilePath()
		if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
			t.Fatal("PID file should be removed")
		}
	})

	t.Run("IsProcessRunning", func(t *testing.T) {
		// Current process should be running
		currentPID := os.Getpid()
		if !IsProcessRunning(currentPID) {
			t.Fatal("current process should be running")
		}

		// Invalid PID should not be running
		// Use -1 as it's guaranteed to be invalid
		if IsProcessRunning(-1) {
			t.Fatal("invalid PID should not be running")
		}
	})
}

func TestTaskInfo(t *testing.T) {
	// Create temporary directory
	tempDir, err := os.MkdirTemp("", "task_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	// Override home directory
	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", originalHome)

	t.Run("WriteTaskInfo", func(t *testing.T) {
		info := &TaskInfo{
			PID:          12345,
			StartTime:    time.Now(),
			Command:      "reduce",
			IDFile:       "arxiv-shards.txt",
			Repo:         "kai271/arxiv-papers",
			CurrentTask:  "Processing arXiv_src_1509_001",
			CurrentShard: "arXiv_src_1509_001",
			CurrentMonth: "1509",
			ShardsTotal:  100,
			ShardsDone:   50,
		}

		err := WriteTaskInfo(info)
		if err != nil {
			t.Fatal(err)
		}

		// Verify file exists
		taskPath := GetTaskFilePath()
		if _, err := os.Stat(taskPath); os.IsNotExist(err) {
			t.Fatal("task file should exist")
		}

		// Verify content
		data, err := os.ReadFile(taskPath)
		if err != nil {
			t.Fatal(err)
		}

		var saved TaskInfo
		err = json.Unmarshal(data, &saved)
		if err != nil {
			t.Fatal(err)
		}

		if saved.PID != info.PID {
			t.Fatalf("expected PID %d, got %d", info.PID, saved.PID)
		}
		if saved.Command != info.Command {
			t.Fatalf("expected command %s, got %s", info.Command, saved.Command)
		}
		if saved.CurrentShard != info.CurrentShard {
			t.Fatalf("expected shard %s, got %s", info.CurrentShard, saved.CurrentShard)
		}
		if saved.CurrentTask != info.CurrentTask {
			t.Fatalf("expected task %s, got %s", info.CurrentTask, saved.CurrentTask)
		}
		if saved.LastUpdate.IsZero() {
			t.Fatal("LastUpdate should be set")
		}
	})

	t.Run("ReadTaskInfo", func(t *testing.T) {
		// Write task info first
		info := &TaskInfo{
			PID:          54321,
			StartTime:    time.Now(),
			Command:      "shards",
			IDFile:       "other-shards.txt",
			Repo:         "kai271/arxiv-papers",
			Workers:      8,
			CurrentTask:  "Extracting",
			CurrentShard: "arXiv_src_1510_003",
			ShardsTotal:  200,
			ShardsDone:   150,
		}

		err := WriteTaskInfo(info)
		if err != nil {
			t.Fatal(err)
		}

		// Read it back
		read, err := ReadTaskInfo()
		if err != nil {
			t.Fatal(err)
		}

		if read.PID != info.PID {
			t.Fatalf("expected PID %d, got %d", info.PID, read.PID)
		}
		if read.Command != info.Command {
			t.Fatalf("expected command %s, got %s", info.Command, read.Command)
		}
		if read.Workers != info.Workers {
			t.Fatalf("expected workers %d, got %d", info.Workers, read.Workers)
		}
		if read.ShardsTotal != info.ShardsTotal {
			t.Fatalf("expected total %d, got %d", info.ShardsTotal, read.ShardsTotal)
		}
		if read.ShardsDone != info.ShardsDone {
			t.Fatalf("expected done %d, got %d", info.ShardsDone, read.ShardsDone)
		}
	})

	t.Run("ReadTaskInfoNotExist", func(t *testing.T) {
		// Remove task file if it exists
		taskPath := GetTaskFilePath()
		os.Remove(taskPath)

		// Try to read
		_, err := ReadTaskInfo()
		if err == nil {
			t.Fatal("expected error when task file doesn't exist")
		}
	})

	t.Run("RemoveTaskFile", func(t *testing.T) {
		// Write task file
		info := &TaskInfo{
			PID:         99999,
			CurrentTask: "Test",
		}
		err := WriteTaskInfo(info)
		if err != nil {
			t.Fatal(err)
		}

		// Remove it
		err = RemoveTaskFile()
		if err != nil {
			t.Fatal(err)
		}

		// Verify it's gone
		taskPath := GetTaskFilePath()
		if _, err := os.Stat(taskPath); !os.IsNotExist(err) {
			t.Fatal("task file should be removed")
		}
	})
}

func TestPathFunctions(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "path_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	originalHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", originalHome)

	t.Run("GetPIDFilePath", func(t *testing.T) {
		expected := filepath.Join(tempDir, ".arxiv-tex", "arxiv-tex.pid")
		actual := GetPIDFilePath()
		if actual != expected {
			t.Fatalf("expected path %s, got %s", expected, actual)
		}
	})

	t.Run("GetTaskFilePath", func(t *testing.T) {
		expected := filepath.Join(tempDir, ".arxiv-tex", "current_task.json")
		actual := GetTaskFilePath()
		if actual != expected {
			t.Fatalf("expected path %s, got %s", expected, actual)
		}
	})
}

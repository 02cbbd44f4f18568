package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

const uploadTool = "huggingface-cli"

// Static errors for publishing
var (
	ErrMissingUploadTool = errors.New("huggingface-cli not found in PATH, install with: pip install -U 'huggingface_hub[cli]'")
)

// Publisher pushes finished archives to the dataset repository
type Publisher interface {
	Upload(ctx context.Context, localPath string, remotePath string) error
}

// hfPublisher shells out to huggingface-cli, which handles authentication and
// chunked uploads against the Hugging Face Hub
type hfPublisher struct {
	repo string
}

func NewHFPublisher(repo string) Publisher {
	return &hfPublisher{repo: repo}
}

// checkUploadTool verifies the upload CLI is installed before any work starts
func checkUploadTool() error {
	if _, err := exec.LookPath(uploadTool); err != nil {
		return ErrMissingUploadTool
	}
	return nil
}

func (p *hfPublisher) Upload(ctx context.Context, localPath string, remotePath string) error {
	args := []string{"upload", p.repo, localPath, remotePath, "--repo-type", "dataset"}

	cmd := exec.CommandContext(ctx, uploadTool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("upload of %s to %s failed: %w: %s", localPath, p.repo, err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("upload of %s to %s failed: %w", localPath, p.repo, err)
	}

	return nil
}

// remoteArchivePath joins the expanded remote directory template with the
// archive filename, always using forward slashes
func remoteArchivePath(template string, scope string, archiveName string) string {
	dir := NewPathTemplate(template).Generate(scope)
	return path.Join(dir, archiveName)
}

package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cochaviz/cellar/internal/arch"
	"github.com/cochaviz/cellar/internal/models"
)

var fileCommand = func(ctx context.Context, path string) (string, error) {
	output, err := exec.CommandContext(ctx, "file", "-b", path).CombinedOutput()
	desc := strings.TrimSpace(string(output))
	if err != nil {
		return "", fmt.Errorf("file command failed: %w (output: %s)", err, desc)
	}
	return desc, nil
}

// sampleInfo describes the binary an analysis hands to the guest.
type sampleInfo struct {
	Path     string
	FileName string
	FileType string
	Arch     arch.Architecture
	UsedCopy bool
}

// CopiedBinaryPath is where the stored copy of a sample lives.
func CopiedBinaryPath(binariesDir string, sample *models.Sample) string {
	if sample == nil || sample.SHA256 == "" {
		return ""
	}
	return filepath.Join(binariesDir, sample.SHA256)
}

// resolveSample locates the task target, falling back to the stored copy
// when the original has disappeared, and verifies it still matches the
// sample record.
func resolveSample(ctx context.Context, task models.Task, sample *models.Sample, binariesDir string) (sampleInfo, error) {
	info := sampleInfo{
		Path:     task.Target,
		FileName: filepath.Base(task.Target),
	}
	if sample != nil && sample.FileName != "" {
		info.FileName = sample.FileName
	}

	if _, err := os.Stat(info.Path); err != nil {
		copied := CopiedBinaryPath(binariesDir, sample)
		if copied == "" {
			return info, fmt.Errorf("target %s is not available and no copy is known: %w", task.Target, err)
		}
		info.Path = copied
		info.UsedCopy = true
	}

	digest, err := fileSHA256(info.Path)
	if err != nil {
		return info, fmt.Errorf("read sample %s: %w", info.Path, err)
	}
	if sample != nil && sample.SHA256 != "" && !strings.EqualFold(digest, sample.SHA256) {
		return info, fmt.Errorf("sample %s changed since submission (sha256 %s, expected %s)", info.Path, digest, sample.SHA256)
	}

	desc, err := fileCommand(ctx, info.Path)
	if err == nil {
		info.FileType = desc
		info.Arch = arch.FromDescription(desc)
	}
	return info, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StoreBinary copies src into binariesDir under its SHA256 and returns the
// digest and stored path. An existing copy is reused.
func StoreBinary(binariesDir, src string) (string, string, error) {
	digest, err := fileSHA256(src)
	if err != nil {
		return "", "", err
	}
	dst := filepath.Join(binariesDir, digest)
	if _, err := os.Stat(dst); err == nil {
		return digest, dst, nil
	}
	if err := os.MkdirAll(binariesDir, 0o755); err != nil {
		return "", "", err
	}
	if err := copyFile(src, dst, 0o644); err != nil {
		return "", "", errors.Join(err, os.Remove(dst))
	}
	return digest, dst, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package analysis

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	isoFileIdentifierMaxLength = 30
	isoExtensionMaxLength      = 8
	isoVolumeLabelMaxLength    = 32
)

// isoCharacters is the d-character set the iso9660 writer keeps; anything
// else becomes an underscore.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// mediaName returns the name a file gets on the ISO the writer produces, so
// the guest command can address it.
func mediaName(name string) string {
	name = strings.ToLower(filepath.Base(name))
	parts := strings.Split(name, ".")

	base := parts[0]
	ext := ""
	if len(parts) > 1 {
		base = strings.Join(parts[:len(parts)-1], "_")
		ext = mangleDString(parts[len(parts)-1], isoExtensionMaxLength)
	}

	// room for ";1"
	max := isoFileIdentifierMaxLength - 2
	if ext != "" {
		max -= 1 + len(ext)
	}
	base = mangleDString(base, max)
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		if strings.IndexByte(isoCharacters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func volumeLabel(parts ...string) string {
	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= isoVolumeLabelMaxLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "CELLAR"
	}
	return b.String()
}

// buildMedia writes an ISO image at imagePath holding the sample file under
// its original name. It returns the name the file has on the image.
func buildMedia(samplePath, fileName, imagePath, label string) (string, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	src, err := os.Open(samplePath)
	if err != nil {
		return "", fmt.Errorf("open sample: %w", err)
	}
	defer src.Close()

	if fileName == "" {
		fileName = filepath.Base(samplePath)
	}
	if err := writer.AddFile(src, fileName); err != nil {
		return "", fmt.Errorf("stage sample: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return "", fmt.Errorf("ensure media directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if err := writer.WriteTo(out, label); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return "", fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return "", fmt.Errorf("finalize iso: %w", err)
	}
	return mediaName(fileName), nil
}

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oukeidos/novtl/internal/files"
	"github.com/oukeidos/novtl/internal/logger"
)

// DefaultOutputPath derives "<name>.en<ext>" next to the input.
func DefaultOutputPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	if ext == "" || ext == ".html" || ext == ".htm" || ext == ".srt" || ext == ".vtt" {
		ext = ".txt"
	}
	base := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
	return base + ".en" + ext
}

// ValidateOutput rejects output paths that alias the input or go through a
// symlink. "-" means stdout and is always accepted.
func ValidateOutput(inputPath, outputPath string) error {
	if outputPath == "-" || outputPath == "" {
		return nil
	}
	if inputPath != "-" {
		absIn, err := filepath.Abs(inputPath)
		if err != nil {
			return fmt.Errorf("failed to resolve input path: %w", err)
		}
		absOut, err := filepath.Abs(outputPath)
		if err != nil {
			return fmt.Errorf("failed to resolve output path: %w", err)
		}
		if absIn == absOut {
			return fmt.Errorf("input and output files are the same (%s)", absIn)
		}
		if inInfo, err := os.Stat(absIn); err == nil {
			if outInfo, err := os.Stat(absOut); err == nil {
				if os.SameFile(inInfo, outInfo) {
					return fmt.Errorf("input and output files are the same (%s)", absIn)
				}
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("failed to stat output path: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat input path: %w", err)
		}
	}
	return files.RejectSymlinkPath(outputPath)
}

// WriteOutput saves text to path. A complete run replaces path when
// overwrite is set; otherwise, and always for partial output, an existing
// file is kept and a numbered sibling is written instead. It returns the
// path actually written.
func WriteOutput(path, text string, overwrite, partial bool) (string, error) {
	data := []byte(text)
	if !strings.HasSuffix(text, "\n") {
		data = append(data, '\n')
	}
	if overwrite && !partial {
		if err := files.AtomicWrite(path, data, 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	written, err := files.AtomicWriteExclusive(path, data, 0o644)
	if err != nil {
		return "", err
	}
	if written != path {
		logger.Warn("Output path adjusted to avoid overwrite", "original", path, "effective", written)
	}
	return written, nil
}

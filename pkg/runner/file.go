package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// writeFile writes contents to a file, skipping the write when nothing would change.
func writeFile(params *protocol.FileWriteParams) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(params.Path) {
		return nil, fmt.Errorf("path must be absolute: %s", params.Path)
	}

	result := &protocol.FileWriteResult{}
	content := []byte(params.Contents)
	hash := sha256.Sum256(content)
	result.Checksum = fmt.Sprintf("%x", hash)
	result.BytesWritten = int64(len(content))

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		m, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(m)
	}

	existing, err := os.ReadFile(params.Path)
	fileExists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read existing file: %w", err)
	}

	if fileExists && bytes.Equal(existing, content) {
		if params.Mode != "" {
			info, err := os.Stat(params.Path)
			if err == nil && info.Mode().Perm() != mode.Perm() {
				if err := os.Chmod(params.Path, mode); err != nil {
					return nil, fmt.Errorf("failed to set mode: %w", err)
				}
				result.Changed = true
			}
		}
		result.BytesWritten = 0
		return result, nil
	}

	if bool(params.Backup) && fileExists {
		backupPath := params.Path + ".bak"
		if err := copyFile(params.Path, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupPath = backupPath
	}

	dir := filepath.Dir(params.Path)
	if params.Makedirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	} else if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("parent directory does not exist: %s", dir)
	}

	if err := os.WriteFile(params.Path, content, mode); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if params.Mode != "" {
		if err := os.Chmod(params.Path, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	result.Created = !fileExists
	result.Changed = true
	return result, nil
}

// readFile reads a file up to a size limit.
func readFile(params *protocol.FileReadParams) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	result := &protocol.FileReadResult{
		Size: info.Size(),
		Mode: fmt.Sprintf("%04o", info.Mode().Perm()),
	}

	maxBytes := int64(params.MaxBytes)
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MB default limit
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	result.Contents = string(content)
	result.Truncated = info.Size() > maxBytes

	hash := sha256.Sum256(content)
	result.Checksum = fmt.Sprintf("%x", hash)

	return result, nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return err
	}

	destFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

func registerFile(r *Runner) {
	r.Register("file.write", func(ctx context.Context, call *Call) (any, error) {
		var params protocol.FileWriteParams
		if err := call.Params(&params, "path", "contents"); err != nil {
			return nil, err
		}
		return writeFile(&params)
	})

	r.Register("file.read", func(ctx context.Context, call *Call) (any, error) {
		var params protocol.FileReadParams
		if err := call.Params(&params, "path"); err != nil {
			return nil, err
		}
		res, err := readFile(&params)
		if err != nil {
			return nil, err
		}
		return res.Contents, nil
	})

	r.Register("file.stats", func(ctx context.Context, call *Call) (any, error) {
		var params protocol.FileReadParams
		if err := call.Params(&params, "path"); err != nil {
			return nil, err
		}
		res, err := readFile(&params)
		if err != nil {
			return nil, err
		}
		res.Contents = ""
		return res, nil
	})

	r.Register("file.file_exists", func(ctx context.Context, call *Call) (any, error) {
		path, ok := call.Arg(0, "path")
		if !ok {
			return nil, fmt.Errorf("path is required")
		}
		info, err := os.Stat(path)
		return err == nil && info.Mode().IsRegular(), nil
	})

	r.Register("file.directory_exists", func(ctx context.Context, call *Call) (any, error) {
		path, ok := call.Arg(0, "path")
		if !ok {
			return nil, fmt.Errorf("path is required")
		}
		info, err := os.Stat(path)
		return err == nil && info.IsDir(), nil
	})

	r.Register("file.remove", func(ctx context.Context, call *Call) (any, error) {
		path, ok := call.Arg(0, "path")
		if !ok {
			return nil, fmt.Errorf("path is required")
		}
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("path must be absolute: %s", path)
		}
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove: %w", err)
		}
		return true, nil
	})

	r.Register("file.mkdir", func(ctx context.Context, call *Call) (any, error) {
		path, ok := call.Arg(0, "path")
		if !ok {
			return nil, fmt.Errorf("path is required")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		return true, nil
	})
}

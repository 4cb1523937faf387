// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dbfork

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ricopinazo/prezel/internal/apperr"
)

// CopyFolder recursively copies src to dst, preserving regular files,
// directory structure, and relative symlinks whose targets remain
// inside src. Absolute symlinks and non-regular files (sockets,
// devices, ...) are rejected with a
// Corruption-kind error, since that indicates the prod DB folder has
// been tampered with or holds something libSQL never writes there.
func CopyFolder(src, dst string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("failed to resolve source folder: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination folder: %w", err)
	}
	return filepath.Walk(absSrc, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absSrc, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return copySymlink(path, target, absSrc)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyRegularFile(path, target, info.Mode().Perm())
		default:
			return apperr.New(apperr.Corruption, fmt.Sprintf("unsupported file type at %q", rel))
		}
	})
}

func copySymlink(path, target, absSrc string) error {
	linkTarget, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("failed to read symlink %q: %w", path, err)
	}
	if filepath.IsAbs(linkTarget) {
		return apperr.New(apperr.Corruption, fmt.Sprintf("absolute symlink not allowed: %q -> %q", path, linkTarget))
	}
	resolved := filepath.Join(filepath.Dir(path), linkTarget)
	relToSrc, err := filepath.Rel(absSrc, resolved)
	if err != nil || relToSrc == ".." || strings.HasPrefix(relToSrc, ".."+string(filepath.Separator)) {
		return apperr.New(apperr.Corruption, fmt.Sprintf("symlink escapes source folder: %q -> %q", path, linkTarget))
	}
	if err := os.Symlink(linkTarget, target); err != nil {
		return fmt.Errorf("failed to create symlink %q: %w", target, err)
	}
	return nil
}

func copyRegularFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %q: %w", src, err)
	}
	return out.Close()
}

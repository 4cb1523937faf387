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
	"os"
	"path/filepath"
	"testing"

	"github.com/ricopinazo/prezel/internal/apperr"
)

func TestCopyFolderPreservesFilesAndRelativeSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "branch")

	if err := os.WriteFile(filepath.Join(src, "data.db"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "wal"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "wal", "000.wal"), []byte("wal"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("data.db", filepath.Join(src, "link.db")); err != nil {
		t.Fatal(err)
	}

	if err := CopyFolder(src, dst); err != nil {
		t.Fatalf("CopyFolder: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "data.db"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("data.db not copied correctly: %v %q", err, got)
	}
	got, err = os.ReadFile(filepath.Join(dst, "wal", "000.wal"))
	if err != nil || string(got) != "wal" {
		t.Fatalf("wal/000.wal not copied correctly: %v %q", err, got)
	}
	link, err := os.Readlink(filepath.Join(dst, "link.db"))
	if err != nil || link != "data.db" {
		t.Fatalf("link.db not preserved: %v %q", err, link)
	}
}

func TestCopyFolderRejectsAbsoluteSymlink(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "branch")
	if err := os.Symlink("/etc/passwd", filepath.Join(src, "evil")); err != nil {
		t.Fatal(err)
	}
	err := CopyFolder(src, dst)
	if err == nil {
		t.Fatal("expected error for absolute symlink")
	}
	if apperr.KindOf(err) != apperr.Corruption {
		t.Fatalf("expected Corruption kind, got %v (%v)", apperr.KindOf(err), err)
	}
}

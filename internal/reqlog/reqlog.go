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

// Package reqlog implements the proxy's binary-framed request log: one
// length-prefixed JSON record per request, rotated by size, read back
// newest-first for `GET /deployments/{id}/logs`.
package reqlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MaxFileSize rotates the active log file once it crosses this size.
const MaxFileSize = 16 << 20 // 16 MiB

// Entry is one proxied request's structured log record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	DeploymentID string    `json:"deploymentId"`
	Host         string    `json:"host"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	Level        string    `json:"level"`
}

// Writer appends framed Entry records to a size-rotated sequence of
// files under dir. One record per Append call: a 4-byte big-endian
// length followed by the JSON-encoded entry.
type Writer struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	written int64
	seq     int
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	w := &Writer{dir: dir}
	if err := w.openNext(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openNext() error {
	if w.file != nil {
		w.file.Close()
	}
	w.seq++
	path := filepath.Join(w.dir, fmt.Sprintf("requests-%d-%d.bin", time.Now().UnixNano(), w.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.file = f
	w.written = 0
	return nil
}

// Append frames and writes a single entry.
func (w *Writer) Append(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written > MaxFileSize {
		if err := w.openNext(); err != nil {
			return err
		}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.written += int64(4 + len(b))
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// ReadAll reads every framed entry across every rotated file in dir,
// oldest first within a file, files visited in name order (which
// embeds creation time since names are timestamp-prefixed).
func ReadAll(dir string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "requests-*.bin"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	var out []Entry
	for _, path := range matches {
		entries, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// ForDeployment filters ReadAll's output to a single deployment,
// newest first.
func ForDeployment(dir, deploymentID string) ([]Entry, error) {
	all, err := ReadAll(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var out []Entry
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(buf, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

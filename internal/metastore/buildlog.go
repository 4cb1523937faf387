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

package metastore

import (
	"fmt"
	"time"
)

// AppendBuildLog appends one line to a deployment's build log, an
// append-only ordered sequence.
func (s *Store) AppendBuildLog(deploymentID, content string, isError bool) error {
	_, err := s.db.Exec(
		`INSERT INTO build (deploymentId, timestamp, content, isError) VALUES (?, ?, ?, ?)`,
		deploymentID, time.Now().UnixMilli(), content, boolToInt(isError),
	)
	if err != nil {
		return fmt.Errorf("failed to append build log: %w", err)
	}
	return nil
}

// BuildLog returns a deployment's build log, oldest first.
func (s *Store) BuildLog(deploymentID string) ([]BuildLogLine, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, content, isError FROM build WHERE deploymentId = ? ORDER BY id`,
		deploymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load build log: %w", err)
	}
	defer rows.Close()
	var out []BuildLogLine
	for rows.Next() {
		var l BuildLogLine
		var ts int64
		var isErr int
		if err := rows.Scan(&ts, &l.Content, &isErr); err != nil {
			return nil, err
		}
		l.DeploymentID = deploymentID
		l.Timestamp = time.UnixMilli(ts)
		l.IsError = isErr != 0
		out = append(out, l)
	}
	return out, nil
}

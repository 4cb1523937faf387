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

package idgen

import "testing"

func TestSlugShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := Slug()
		if len(s) != SlugLength {
			t.Fatalf("slug %q has length %d, want %d", s, len(s), SlugLength)
		}
		for _, r := range s {
			if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
				t.Fatalf("slug %q contains non lowercase-alphanumeric rune %q", s, r)
			}
		}
		if seen[s] {
			t.Fatalf("slug collision: %q", s)
		}
		seen[s] = true
	}
}

func TestProjectAndDeploymentIDsAreDistinct(t *testing.T) {
	a, b := ProjectID(), ProjectID()
	if a == b {
		t.Fatalf("expected distinct project ids, got %q twice", a)
	}
	d := DeploymentID()
	if d == a || d == b {
		t.Fatalf("deployment id collided with a project id")
	}
}

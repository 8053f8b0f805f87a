// Copyright 2025 Tom Barlow
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

package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// formatTime converts a *time.Time to an RFC3339 string or nil, for
// binding into a nullable TEXT column.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a sql.NullString holding an RFC3339 timestamp back
// into a *time.Time, or nil when the column was NULL.
func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if s is empty, otherwise s, for binding into a
// nullable TEXT column.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// textString reads a sql.NullString back into a plain string.
func textString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// nullBytes returns nil if b is empty, otherwise its string form, for
// binding a json.RawMessage into a nullable TEXT column.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// rawMessage reads a sql.NullString back into a json.RawMessage, or nil
// when the column was NULL or empty.
func rawMessage(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

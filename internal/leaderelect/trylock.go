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

package leaderelect

import (
	"context"
	"database/sql"
)

// WithLock attempts a non-blocking session-level advisory lock for key,
// runs fn only if it was acquired, and releases the lock before
// returning regardless of fn's outcome. This is the short-critical-section
// counterpart to Elector: the cron scheduler calls it once per schedule
// per materialization tick rather than holding a long-lived Elector per
// schedule, since schedules come and go and a held-forever Elector per
// schedule would leak connections.
//
// acquired reports whether the lock was obtained (and therefore whether
// fn ran at all); a false acquired with a nil error means another worker
// currently holds the schedule's lock.
func WithLock(ctx context.Context, db *sql.DB, key string, fn func(ctx context.Context) error) (acquired bool, err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	lockID := LockID(key)

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	}()

	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, nil
}

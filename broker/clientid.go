// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/google/uuid"

// generateClientID assigns an identifier to clients that connect with
// an empty one. The "auto-" prefix makes assigned IDs recognizable in
// logs and $SYS topics.
func generateClientID() string {
	return "auto-" + uuid.NewString()
}

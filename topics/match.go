// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match reports whether topic matches filter under MQTT wildcard rules.
// The filter may contain '+' (one level) and a trailing '#' (this level
// and below). The topic must be a concrete name without wildcards.
// Filters whose first level is a wildcard never match topics whose
// first level starts with '$'.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") {
		if filter[0] != '$' {
			return false
		}
		if fl[0] == "+" || fl[0] == "#" {
			return false
		}
	}

	for i, f := range fl {
		if f == "#" {
			// '#' covers the parent level too: "a/#" matches "a".
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f == "+" {
			continue
		}
		if f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

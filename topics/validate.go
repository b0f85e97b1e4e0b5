// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// maxTopicLength is the longest topic name or filter accepted, in bytes.
const maxTopicLength = 65535

// Validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateName checks a concrete topic name as used in PUBLISH:
// non-empty, valid UTF-8, no wildcards, no NUL.
func ValidateName(topic string) error {
	if topic == "" || len(topic) > maxTopicLength {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a subscription filter: non-empty, valid UTF-8,
// '+' only as a whole level, '#' only as the whole final level.
func ValidateFilter(filter string) error {
	if filter == "" || len(filter) > maxTopicLength {
		return ErrInvalidTopicFilter
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "+":
			continue
		case level == "#":
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case strings.ContainsAny(level, "+#"):
			// Wildcards must occupy an entire level.
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

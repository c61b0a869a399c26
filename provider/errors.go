package provider

import (
	"errors"
	"strings"
)

var (
	// ErrCapacity signals that storage is full.
	ErrCapacity = errors.New("provider: storage capacity exceeded")
	// ErrInvalidData signals that a value cannot be stored at all.
	ErrInvalidData = errors.New("provider: invalid data")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("provider: closed")
)

// message signatures of capacity failures reported by common backends
var capacitySignatures = []string{
	"quotaexceeded",
	"quota exceeded",
	"database or disk is full",
	"disk i/o error",
	"no space left",
	"out of memory",
	"oom command not allowed",
	"entry is bigger than max shard size",
}

var invalidSignatures = []string{
	"invalid data",
	"could not be cloned",
	"datacloneerror",
}

// IsCapacity reports whether err is a capacity failure.
func IsCapacity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCapacity) {
		return true
	}
	return matches(err, capacitySignatures)
}

// IsInvalidData reports whether err means the payload can never be stored.
func IsInvalidData(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidData) {
		return true
	}
	return matches(err, invalidSignatures)
}

func matches(err error, sigs []string) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range sigs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

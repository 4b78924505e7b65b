// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import "github.com/nats-io/nuid"

// InboxPrefix is prepended to every client-generated request/reply inbox,
// carried over from the teacher's InboxPrefix constant.
const InboxPrefix = "_INBOX."

const (
	sidLen   = 8
	inboxLen = 16
)

// newSid returns an 8-character alphanumeric subscription identifier,
// unique within this process. nuid.Next() produces a longer base62
// string from a non-cryptographic generator whose leading characters are
// a prefix shared by many consecutive calls and whose trailing characters
// are a sequence that changes on every call; spec.md only requires the
// 8-character length and alphanumeric alphabet, not cryptographic
// strength, so keeping the last 8 characters of nuid's output satisfies
// it while reusing the teacher's own ID-generation dependency instead of
// a hand-rolled one.
func newSid() string {
	id := nuid.Next()
	return id[len(id)-sidLen:]
}

// NewInbox returns a fresh subject usable only for receiving a reply,
// guaranteed unique enough for this purpose (nuid's collision window is
// far larger than any single client's subscription count). It keeps the
// last 16 characters of nuid's output, which include the per-call
// sequence.
func NewInbox() string {
	id := nuid.Next()
	return InboxPrefix + id[len(id)-inboxLen:]
}

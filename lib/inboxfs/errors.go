// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import (
	"context"
	"errors"
	"log/slog"
	"syscall"

	"github.com/bureau-foundation/inboxfs/lib/inbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/session"
)

// errnoFor maps a failure to the errno of the one call that hit it.
// Nothing here tears down the mount.
func errnoFor(logger *slog.Logger, operation string, err error, attributes ...any) syscall.Errno {
	attributes = append(attributes, "operation", operation, "error", err)
	switch {
	case errors.Is(err, inbox.ErrNotFound), errors.Is(err, mailbox.ErrNotFound):
		logger.Debug("entry no longer exists upstream", attributes...)
		return syscall.ENOENT
	case errors.Is(err, session.ErrUnauthenticated), errors.Is(err, mailbox.ErrUnauthorized):
		logger.Warn("mailbox session is not valid, run inboxfs login", attributes...)
		return syscall.EACCES
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		logger.Error("filesystem request failed", attributes...)
		return syscall.EIO
	}
}

// Package storage implements the local-delivery collaborator of spec.md
// §4.6/§6: a per-user lookup returning a distinguished not-found value
// (grounded on gopistolet-gopistolet/user/user_db.go's lookup shape) backed
// by a concrete github.com/sloonz/go-maildir mailbox writer.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	maildir "github.com/sloonz/go-maildir"

	"github.com/cyclops-mail/lmtpd/lalog"
	"github.com/cyclops-mail/lmtpd/lmtp"
)

// ErrNotFound is returned by Directory.Lookup when no mailbox exists for
// the requested username, distinguished from a transient lookup error
// (spec.md §4.3's "Unknown" vs "Error" local-path outcomes).
var ErrNotFound = errors.New("storage: user not found")

// Handle is the concrete local-delivery collaborator's per-user handle
// (spec.md §3's UserHandle). It carries only the username and Maildir
// path; it offers no header view of the payload.
type Handle struct {
	Username string
	Path     string
}

// WantedHeaders lists the headers spec.md §4.6 says the raw mail handle
// exposes without re-parsing the full payload: From, To, Message-ID,
// Subject, Return-Path.
var WantedHeaders = []string{"From", "To", "Message-ID", "Subject", "Return-Path"}

// Directory is the storage collaborator's lookup interface (spec.md §6):
// lookup(user) → Handle | NotFound | Err.
type Directory interface {
	Lookup(ctx context.Context, username string) (*Handle, error)
	// TempDir returns the prefix under which payload spill files are
	// created (spec.md §4.4's "storage service's temp prefix").
	TempDir() string
}

// MaildirDirectory resolves a username to a per-user Maildir rooted under
// BaseDir/<username>, the concrete directory this module wires behind
// Mailbox's lmtp.LocalDelivery implementation (SPEC_FULL.md §5.6).
type MaildirDirectory struct {
	BaseDir string
	Spool   string
	Logger  *lalog.Logger
}

// NewMaildirDirectory constructs a MaildirDirectory rooted at baseDir, with
// spill files created under spoolDir.
func NewMaildirDirectory(baseDir, spoolDir string, logger *lalog.Logger) *MaildirDirectory {
	return &MaildirDirectory{BaseDir: baseDir, Spool: spoolDir, Logger: logger}
}

// TempDir implements Directory.
func (d *MaildirDirectory) TempDir() string { return d.Spool }

// Lookup resolves username to a Handle if a Maildir already exists for it
// under BaseDir, or ErrNotFound otherwise.
func (d *MaildirDirectory) Lookup(ctx context.Context, username string) (*Handle, error) {
	path := filepath.Join(d.BaseDir, sanitizeUsername(username))
	dir := maildir.Maildir(path)
	if !dir.Exists() {
		return nil, ErrNotFound
	}
	return &Handle{Username: username, Path: path}, nil
}

func sanitizeUsername(username string) string {
	return filepath.Base(filepath.Clean(username))
}

// Mailbox implements lmtp.LocalDelivery against a MaildirDirectory's
// handles, the concrete local-delivery collaborator (spec.md §4.6).
type Mailbox struct {
	Logger *lalog.Logger
}

// Deliver writes payload into the Maildir named by handle's "new" folder,
// returning the per-recipient reply spec.md §4.3's local path specifies.
func (m *Mailbox) Deliver(ctx context.Context, handle interface{}, rcpt lmtp.Recipient, payload io.ReadSeeker) lmtp.LocalDeliveryOutcome {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return lmtp.LocalDeliveryOutcome{
			ReplyCode:    550,
			EnhancedCode: "5.1.1",
			Reason:       fmt.Sprintf("User doesn't exist: %s", rcpt.Address.Local),
		}
	}
	dir := maildir.Maildir(h.Path)
	delivery, err := dir.NewDelivery()
	if err != nil {
		m.Logger.Warning(h.Username, err, "failed to start maildir delivery")
		return lmtp.LocalDeliveryOutcome{ReplyCode: 451, EnhancedCode: "4.3.0", Reason: "Temporary internal error"}
	}
	if _, err := io.Copy(delivery, payload); err != nil {
		m.Logger.Warning(h.Username, err, "failed writing maildir delivery")
		_ = delivery.Abort()
		return lmtp.LocalDeliveryOutcome{ReplyCode: 451, EnhancedCode: "4.3.0", Reason: "Temporary internal error"}
	}
	if err := delivery.Close(); err != nil {
		m.Logger.Warning(h.Username, err, "failed committing maildir delivery")
		return lmtp.LocalDeliveryOutcome{ReplyCode: 451, EnhancedCode: "4.3.0", Reason: "Temporary internal error"}
	}
	return lmtp.LocalDeliveryOutcome{ReplyCode: 250, EnhancedCode: "2.0.0", Reason: "delivered"}
}

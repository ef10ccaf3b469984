package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"

	"github.com/voku/bouncehandler/pkg/models/session"
	"github.com/voku/bouncehandler/pkg/utils"
)

// maintenanceSession opens a fresh short-lived connection so folder
// maintenance never contends with the main processing session.
func (h *Handler) maintenanceSession() (*session.Session, error) {
	c, err := h.connect()
	if err != nil {
		return nil, errors.Wrap(err, "opening maintenance session")
	}
	return session.New(
		session.WithClient(c),
		session.WithLogger(h.logger),
		session.WithCtx(h.ctx),
	)
}

// MailboxExist reports whether the named folder exists on the account,
// creating it when create is set. An empty name is a fatal configuration
// error: proceeding would aim a move at an invalid destination.
func (h *Handler) MailboxExist(name string, create bool) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, errors.New("mailbox name is empty")
	}

	sess, err := h.maintenanceSession()
	if err != nil {
		return false, err
	}
	defer sess.Close()

	names, err := sess.ListFolders()
	if err != nil {
		return false, errors.Wrap(err, "listing folders")
	}

	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true, nil
		}
	}

	if !create {
		return false, nil
	}

	if err := sess.CreateFolder(name); err != nil {
		return false, errors.Wrapf(err, "creating folder %q", name)
	}
	h.logger.Info("Created folder", slog.String("folder", name))
	return true, nil
}

// GlobalDelete removes every message dated strictly before the cutoff from
// every folder on the account except ones whose name contains "sent". Each
// folder is expunged before the next one is opened. This is destructive and
// gated solely on a cutoff date being configured.
func (h *Handler) GlobalDelete(cutoff time.Time) error {
	sess, err := h.maintenanceSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	names, err := sess.ListFolders()
	if err != nil {
		return errors.Wrap(err, "listing folders")
	}

	for _, name := range names {
		if strings.Contains(strings.ToLower(name), "sent") {
			continue
		}

		if err := sess.Open(name, false); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to open folder for purge", slog.String("folder", name), slog.Any("error", utils.WrapError(err)))
			continue
		}

		seqs, err := sess.Client().Search(&imap.SearchCriteria{SentBefore: cutoff})
		if err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to search folder for purge", slog.String("folder", name), slog.Any("error", utils.WrapError(err)))
			continue
		}
		if len(seqs) == 0 {
			continue
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(seqs...)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := sess.Client().Store(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to flag messages for purge", slog.String("folder", name), slog.Any("error", utils.WrapError(err)))
			continue
		}
		if err := sess.Expunge(); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to expunge folder", slog.String("folder", name), slog.Any("error", utils.WrapError(err)))
			continue
		}

		h.logger.Info("Purged messages before cutoff",
			slog.String("folder", name),
			slog.Int("count", len(seqs)),
			slog.Time("cutoff", cutoff))
	}

	return nil
}

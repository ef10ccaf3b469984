// Package handler implements the bounce processing engine: it walks a
// mailbox of delivery-failure notifications, classifies each message through
// pluggable rule engines and applies the configured disposition policy.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voku/bouncehandler/internal/config"
	"github.com/voku/bouncehandler/pkg/base"
	"github.com/voku/bouncehandler/pkg/models/session"
	"github.com/voku/bouncehandler/pkg/rules"
	"github.com/voku/bouncehandler/pkg/utils"
)

// RunResult accumulates the counters of one batch run. Deleted and Moved
// count decisions; a store-level failure of the matching mutation is logged
// but does not roll a counter back.
type RunResult struct {
	Fetched     int
	Processed   int
	Unprocessed int
	Deleted     int
	Moved       int
}

// Report renders the fixed final report line.
func (r RunResult) Report() string {
	return fmt.Sprintf("fetched=%d processed=%d unprocessed=%d deleted=%d moved=%d",
		r.Fetched, r.Processed, r.Unprocessed, r.Deleted, r.Moved)
}

// Handler drives one batch run over a mailbox.
type Handler struct {
	cfg          config.Config
	host         string
	action       rules.ActionFunc
	dsnEngine    rules.DSNEngine
	bodyEngine   rules.BodyEngine
	dsnOverride  rules.DSNOverride
	bodyOverride rules.BodyOverride
	connect      func() (base.Client, error)
	logger       *slog.Logger
	ctx          context.Context
	verbosity    base.Verbosity

	detect detector
}

type Option func(*Handler) error

func New(opts ...Option) (*Handler, error) {
	var h Handler
	h.dsnEngine = rules.ClassifyDSN
	h.bodyEngine = rules.ClassifyBody

	for _, opt := range opts {
		if err := opt(&h); err != nil {
			return nil, err
		}
	}

	if h.connect == nil {
		return nil, errors.New("requires connector")
	}

	if h.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if h.ctx == nil {
		return nil, errors.New("requires ctx")
	}

	verbosity, err := h.cfg.VerbosityLevel()
	if err != nil {
		return nil, err
	}
	h.verbosity = verbosity

	if h.cfg.HeaderDetection {
		h.detect = headerDetector{logger: h.logger}
	} else {
		h.detect = structureDetector{}
	}

	return &h, nil
}

func WithConfig(cfg config.Config) Option {
	return func(h *Handler) error {
		config.ApplyDefaults(&cfg)
		if err := config.Validate(cfg); err != nil {
			return err
		}
		h.cfg = cfg
		return nil
	}
}

// WithHost records the target host name. It only feeds the provider quirk
// handling; dialing is the connector's business.
func WithHost(host string) Option {
	return func(h *Handler) error {
		h.host = host
		return nil
	}
}

func WithAction(action rules.ActionFunc) Option {
	return func(h *Handler) error {
		h.action = action
		return nil
	}
}

func WithDSNEngine(engine rules.DSNEngine) Option {
	return func(h *Handler) error {
		h.dsnEngine = engine
		return nil
	}
}

func WithBodyEngine(engine rules.BodyEngine) Option {
	return func(h *Handler) error {
		h.bodyEngine = engine
		return nil
	}
}

func WithDSNOverride(override rules.DSNOverride) Option {
	return func(h *Handler) error {
		h.dsnOverride = override
		return nil
	}
}

func WithBodyOverride(override rules.BodyOverride) Option {
	return func(h *Handler) error {
		h.bodyOverride = override
		return nil
	}
}

// WithConnector supplies the factory used to open the main session and the
// short-lived folder-maintenance sessions.
func WithConnector(connect func() (base.Client, error)) Option {
	return func(h *Handler) error {
		h.connect = connect
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func WithCtx(ctx context.Context) Option {
	return func(h *Handler) error {
		h.ctx = ctx
		return nil
	}
}

// runPolicy returns the effective per-run configuration: move-hard forces
// disable-delete, and hosts without folder creation lose the move toggles.
func (h *Handler) runPolicy() config.Config {
	cfg := h.cfg

	if strings.Contains(strings.ToLower(h.host), "gmail") && (cfg.MoveHard || cfg.MoveSoft) {
		h.logger.Info("Target host does not support folder creation, disabling move-hard/move-soft",
			slog.String("host", h.host))
		cfg.MoveHard = false
		cfg.MoveSoft = false
	}

	if cfg.MoveHard {
		cfg.DisableDelete = true
	}

	return cfg
}

// Run executes one batch over the configured folder and returns the final
// counters. Fatal errors (no callback, store open failure, unresolvable
// destination folder) abort the run; per-message failures only show up as
// unprocessed counts.
func (h *Handler) Run() (RunResult, error) {
	var res RunResult

	if h.action == nil {
		return res, errors.New("no action callback configured")
	}

	cfg := h.runPolicy()

	if cutoff, ok, err := cfg.CutoffDate(); err != nil {
		return res, err
	} else if ok {
		if err := h.GlobalDelete(cutoff); err != nil {
			return res, err
		}
	}

	c, err := h.connect()
	if err != nil {
		h.logger.ErrorContext(h.ctx, "Failed to open mail store", slog.Any("error", utils.WrapError(err)))
		return res, errors.Wrap(err, "opening mail store")
	}

	sess, err := session.New(
		session.WithClient(c),
		session.WithLogger(h.logger),
		session.WithCtx(h.ctx),
	)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := sess.Open(cfg.Folder, cfg.TestMode); err != nil {
		return res, err
	}

	res.Fetched = min(sess.Total(), cfg.MaxMessages)
	if h.verbosity >= base.VerboseSimple {
		h.logger.Info("Starting run",
			slog.String("folder", cfg.Folder),
			slog.Int("total", sess.Total()),
			slog.Int("fetched", res.Fetched),
			slog.Bool("testMode", cfg.TestMode))
	}

	ensured := map[string]bool{}
	for seq := 1; seq <= res.Fetched; seq++ {
		if err := h.processMessage(sess, cfg, seq, &res, ensured); err != nil {
			return res, err
		}
	}

	h.recordMetrics(res)
	if h.verbosity >= base.VerboseSimple {
		h.logger.Info("Run finished", slog.String("report", res.Report()))
	}

	return res, nil
}

// processMessage classifies one message and applies the disposition policy.
// A non-nil error is fatal for the whole run.
func (h *Handler) processMessage(sess *session.Session, cfg config.Config, seq int, res *RunResult, ensured map[string]bool) error {
	content, result := h.classify(sess, cfg, seq)

	if result.Matched() {
		res.Processed++
		return h.applyMatched(sess, cfg, seq, res, ensured, content, result)
	}

	res.Unprocessed++
	return h.applyUnmatched(sess, cfg, seq, res, ensured, content, result)
}

func (h *Handler) applyMatched(sess *session.Session, cfg config.Config, seq int, res *RunResult, ensured map[string]bool, content messageContent, result rules.Result) error {
	disposition := computeDisposition(cfg, result)

	if cfg.TestMode {
		if h.verbosity >= base.VerboseReport {
			h.logger.Info("Test mode match",
				slog.Int("message", seq),
				slog.String("email", result.Email),
				slog.String("bounceType", string(result.BounceType)),
				slog.String("rule", result.RuleNo),
				slog.String("disposition", disposition.String()))
		}
		return nil
	}

	switch disposition {
	case DispositionDelete:
		res.Deleted++
		if err := sess.Delete(seq); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to delete message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		}
	case DispositionMoveHard:
		if err := h.ensureFolder(cfg.HardFolder, ensured); err != nil {
			return err
		}
		res.Moved++
		if err := sess.MoveTo(seq, cfg.HardFolder); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to move message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		}
	case DispositionMoveSoft:
		if err := h.ensureFolder(cfg.SoftFolder, ensured); err != nil {
			return err
		}
		res.Moved++
		if err := sess.MoveTo(seq, cfg.SoftFolder); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to move message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		}
	}

	h.dispatch(sess, seq, res.Fetched, content, result, disposition.String(), false)
	return nil
}

func (h *Handler) applyUnmatched(sess *session.Session, cfg config.Config, seq int, res *RunResult, ensured map[string]bool, content messageContent, result rules.Result) error {
	if cfg.TestMode {
		if h.verbosity >= base.VerboseReport {
			h.logger.Info("Test mode unmatched", slog.Int("message", seq))
		}
		return nil
	}

	disposition := DispositionNone
	if cfg.PurgeUnprocessed && !cfg.DisableDelete {
		disposition = DispositionDelete
		res.Deleted++
		if err := sess.Delete(seq); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to purge unprocessed message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		}
	}

	if cfg.MoveUnprocessedEnabled() {
		if err := h.ensureFolder(cfg.UnprocessedFolder, ensured); err != nil {
			return err
		}
		res.Moved++
		if err := sess.MoveTo(seq, cfg.UnprocessedFolder); err != nil {
			h.logger.ErrorContext(h.ctx, "Failed to move unprocessed message", slog.Int("message", seq), slog.Any("error", utils.WrapError(err)))
		}
	}

	h.dispatch(sess, seq, res.Fetched, content, result, disposition.String(), true)
	return nil
}

// ensureFolder verifies the destination folder exists, creating it if
// needed. This is a hard precondition for any move.
func (h *Handler) ensureFolder(name string, ensured map[string]bool) error {
	if ensured[name] {
		return nil
	}
	if _, err := h.MailboxExist(name, true); err != nil {
		return err
	}
	ensured[name] = true
	return nil
}

func (h *Handler) recordMetrics(res RunResult) {
	meter := otel.Meter(base.ServiceName)

	record := func(name string, value int) {
		counter, err := meter.Int64Counter(name, metric.WithDescription("bounce run counter"))
		if err != nil {
			return
		}
		counter.Add(h.ctx, int64(value))
	}

	record("bouncehandler.messages.fetched", res.Fetched)
	record("bouncehandler.messages.processed", res.Processed)
	record("bouncehandler.messages.unprocessed", res.Unprocessed)
	record("bouncehandler.messages.deleted", res.Deleted)
	record("bouncehandler.messages.moved", res.Moved)
}

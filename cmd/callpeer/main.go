// Command callpeer runs one side of a family call from the command line.
//
// It drives the same session machine a client app embeds, against the shared
// Postgres record store and the Redis change feed, with a synthetic capture
// device. Useful for exercising a deployment end to end:
//
//	callpeer -self parent-1 -role parent -peer child-1 -peer-role child
//	callpeer -self child-1 -role child
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"family-calls/internal/admission"
	"family-calls/internal/audit"
	"family-calls/internal/calls"
	"family-calls/internal/config"
	"family-calls/internal/family"
	"family-calls/internal/medialock"
	"family-calls/internal/quality"
	"family-calls/internal/rtc"
	"family-calls/internal/session"
	"family-calls/internal/signaling"
	"family-calls/internal/store"
	"family-calls/internal/termination"
	"family-calls/internal/timers"
	"family-calls/pkg/logger"
	"family-calls/pkg/utils"

	"github.com/benbjohnson/clock"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	var (
		self     = flag.String("self", "", "participant id running this side")
		role     = flag.String("role", "", "role of -self (parent, child, family_member)")
		peer     = flag.String("peer", "", "participant id to dial")
		peerRole = flag.String("peer-role", "", "role of -peer")
		callID   = flag.String("call", "", "call id to answer or resume")
		outbound = flag.Bool("outbound", false, "place a call even if one is ringing for -self")
		video    = flag.Bool("video", false, "send video as well as audio")
		tier     = flag.String("tier", string(quality.TierGood), "starting quality tier (critical, poor, moderate, good, excellent, premium)")
		duration = flag.Duration("duration", 0, "hang up after this long (0 waits for a signal)")
	)
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	me := calls.Participant{ID: *self, Role: calls.Role(*role)}
	if me.ID == "" || !me.Role.Valid() {
		log.Error("-self and a valid -role are required")
		os.Exit(2)
	}
	var callee calls.Participant
	if *peer != "" {
		callee = calls.Participant{ID: *peer, Role: calls.Role(*peerRole)}
		if !callee.Role.Valid() {
			log.Error("-peer needs a valid -peer-role")
			os.Exit(2)
		}
	}
	profile, err := quality.ProfileFor(quality.Tier(*tier))
	if err != nil {
		log.Error("bad quality tier", "err", err)
		os.Exit(2)
	}
	policy, err := session.ParsePolicy(cfg.Calls.FirstTerminalPolicy)
	if err != nil {
		log.Error("bad terminal policy", "err", err)
		os.Exit(2)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	api, err := rtc.NewAPI(rtc.Config{ICEServers: cfg.RTC.ICEServers, EnableAV1: cfg.RTC.EnableAV1}, log)
	if err != nil {
		log.Error("webrtc init failed", "err", err)
		os.Exit(1)
	}
	api.UseProfile(profile)

	clk := clock.New()
	capture := rtc.NewStaticCapture(clk)
	defer capture.Cleanup()

	channel := signaling.NewRedis(rdb, log)
	records := store.WithFeed(store.NewPostgres(db), channel, log)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	m := session.New(session.Config{
		Self:       me,
		Peer:       callee,
		CallID:     *callID,
		Outbound:   *outbound,
		Media:      profile.Constraints(*video),
		AnswerWait: cfg.Calls.AnswerWait,
		Recency:    cfg.Calls.BusyRecency,
		Policy:     policy,
		Timers: timers.Config{
			Ring:         cfg.Calls.RingTimeout,
			Connect:      cfg.Calls.ConnectTimeout,
			ReconnectMin: cfg.Calls.ReconnectMin,
			ReconnectMax: cfg.Calls.ReconnectMax,
		},
	}, session.Deps{
		Store:      records,
		Channel:    channel,
		Transports: api.NewTransport,
		Media: medialock.New(capture, clk, medialock.Config{
			SettleDelay: cfg.Media.SettleDelay,
			MaxRetries:  cfg.Media.MaxRetries,
			BackoffBase: cfg.Media.BackoffBase,
			BackoffMax:  cfg.Media.BackoffMax,
		}, log),
		Busy: admission.NewChecker(records, admission.Config{
			Recency:    cfg.Calls.BusyRecency,
			StaleGrace: cfg.Calls.BusyStaleGrace,
		}, log),
		Guard:      admission.NewRedisGuard(rdb, cfg.Calls.RingTimeout, log),
		Authorizer: family.NewAuthorizer(family.NewPostgresDirectory(db)),
		Terminator: termination.New(records, auditSvc, log),
		Audit:      auditSvc,
		Clock:      clk,
		Log:        log,
	})

	id, err := m.Start(rootCtx)
	var busy *session.BusyError
	switch {
	case errors.As(err, &busy):
		log.Warn("callee is busy", "callee_id", callee.ID, "reason", busy.Reason, "active_call_id", busy.CallID)
		os.Exit(3)
	case errors.Is(err, session.ErrNoCall):
		log.Info("nothing to answer and no peer to dial")
		os.Exit(0)
	case err != nil:
		log.Error("call setup failed", "err", err)
		os.Exit(1)
	}
	log.Info("call started", "call_id", id)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = clk.After(*duration)
	}

	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				<-m.Done()
				log.Info("call finished", "call_id", m.CallID(), "reason", m.EndReason())
				return
			}
			log.Info("call event", "type", ev.Type, "call_id", ev.CallID, "reason", ev.Reason, "err", ev.Err)
		case <-deadline:
			hangup(m, log)
		case <-rootCtx.Done():
			hangup(m, log)
			<-m.Done()
			return
		}
	}
}

func hangup(m *session.Machine, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.Hangup(ctx); err != nil {
		log.Error("hangup failed", "err", err)
	}
}

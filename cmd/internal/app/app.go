// Package app wires the tsdocs agent runtime: config, logging, the session
// manager, the presence channel, the visibility monitor, the journal and the
// local status server.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/journal"
	"tsdocs/cmd/internal/metrics"
	"tsdocs/cmd/internal/presence"
	"tsdocs/cmd/internal/session"
	"tsdocs/cmd/internal/visibility"
)

// App is the agent runtime. It owns every long-lived component and closes
// them in dependency order on shutdown.
type App struct {
	cfg Config
	log Logger

	api      *authapi.Client
	sess     *session.Manager
	presence *presence.Channel
	vis      *visibility.Monitor
	metrics  *metrics.Metrics
	journal  *journal.Journal

	dbPool *pgxpool.Pool
	redis  *redis.Client
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	sinks, err := a.openSinks(ctx)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	api, err := authapi.New(log.With("component", "authapi"), authapi.Config{
		BaseURL:   cfg.APIBaseURL,
		Timeout:   cfg.APITimeout,
		UserAgent: "tsdocs-agent",
		Cookies:   a.cookieStore(),
	})
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.api = api

	a.journal = journal.New(log.With("component", "journal"), journal.Config{
		BufferSize: cfg.JournalBuffer,
	}, sinks...)

	a.sess = session.NewManager(log.With("component", "session"), session.Config{
		RefreshLead:    cfg.RefreshLead,
		RefreshFloor:   cfg.RefreshFloor,
		RefreshTimeout: cfg.RefreshTimeout,
		AdminRole:      authapi.RoleAdmin,
		PrimeOnStart:   cfg.PrimeOnStart,
	}, api,
		session.WithObserver(a.metrics),
		session.WithEventHandler(func(ev session.Event) {
			a.journal.Record(journal.FromSession(ev))
		}),
	)

	wsURL, err := cfg.presenceURL()
	if err != nil {
		a.closeStores()
		return nil, err
	}
	pcfg := presence.DefaultConfig()
	pcfg.ReconnectDelay = cfg.ReconnectDelay
	a.presence = presence.New(log.With("component", "presence"), pcfg, &presence.WSDialer{
		URL:        wsURL,
		Origin:     cfg.presenceOrigin(),
		HTTPClient: api.HTTPClient(),
	}, a.sess.Active,
		presence.WithObserver(a.metrics),
		presence.WithEventHandler(func(ev presence.Event) {
			u, ok := a.sess.Current()
			a.journal.Record(journal.FromPresence(ev, u, ok))
		}),
	)
	a.sess.SetPresence(a.presence)

	a.vis = visibility.New(log.With("component", "visibility"), a.sess,
		visibility.WithThreshold(cfg.VisibilityThreshold),
		visibility.WithObserver(a.metrics),
	)

	a.metrics.RegisterFuncs(
		func() float64 {
			exp, ok := a.sess.Expiry()
			if !ok {
				return 0
			}
			return max(time.Until(exp).Seconds(), 0)
		},
		func() float64 { return float64(a.journal.Dropped()) },
	)

	return a, nil
}

// openSinks connects the optional journal backends.
func (a *App) openSinks(ctx context.Context) ([]journal.Sink, error) {
	var sinks []journal.Sink

	if a.cfg.JournalLogSink {
		sinks = append(sinks, journal.NewLogSink(a.log.With("component", "journal")))
	}

	if a.cfg.DatabaseURL == "" {
		a.log.Info("journal.postgres.disabled")
	} else {
		pool, err := openJournalPool(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool

		pg, err := journal.NewPostgresSink(pool, journal.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
		a.log.Info("journal.postgres.enabled", "schema", a.cfg.DBSchema)
	}

	if a.cfg.RedisURL == "" {
		a.log.Info("journal.redis.disabled")
	} else {
		rdb, err := ConnectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rdb

		rs, err := journal.NewRedisSink(rdb, journal.WithStream(a.cfg.JournalStream))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rs)
		a.log.Info("journal.redis.enabled", "stream", rs.Stream())
	}

	return sinks, nil
}

// cookieStore picks where session cookies survive restarts: the cookie file
// when configured, otherwise the journal's Redis connection.
func (a *App) cookieStore() authapi.CookieStore {
	switch {
	case a.cfg.CookieFile != "":
		a.log.Info("authapi.cookies.file", "path", a.cfg.CookieFile)
		return authapi.FileCookieStore{Path: a.cfg.CookieFile}
	case a.redis != nil:
		a.log.Info("authapi.cookies.redis", "key", a.cfg.CookieRedisKey)
		return authapi.RedisCookieStore{Client: a.redis, Key: a.cfg.CookieRedisKey}
	default:
		a.log.Warn("authapi.cookies.memory")
		return nil
	}
}

// Run starts the status server and the session, then blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	rt := &routes{
		log:      a.log,
		cfg:      a.cfg,
		sess:     a.sess,
		presence: a.presence,
		vis:      a.vis,
		metrics:  a.metrics,
		dbPool:   a.dbPool,
	}
	if a.redis != nil {
		rt.redis = a.redis
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(rt.handler(), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		// Refresh calls may wait on the API for RefreshTimeout.
		WriteTimeout:   nonZeroDuration(a.cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:    nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes: nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"api", a.cfg.APIBaseURL,
		"journal_db", a.dbPool != nil,
		"journal_redis", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	visDone := make(chan struct{})
	go func() {
		defer close(visDone)
		a.vis.Run(runCtx,
			visibility.SignalSource(),
			visibility.SleepSource(a.cfg.SleepCheckInterval, 0),
		)
	}()

	go a.bootstrap(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stop()
	<-visDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.Close()
	a.log.Info("server.stopped")
	return runErr
}

// bootstrap resumes a cookie session, falling back to the configured
// credentials when none is found.
func (a *App) bootstrap(ctx context.Context) {
	if err := a.sess.Start(ctx); err != nil {
		if ctx.Err() == nil {
			a.log.Error("session.start.fail", "err", err)
		}
		return
	}
	if a.sess.Active() || a.cfg.Username == "" {
		return
	}

	if _, err := a.sess.Login(ctx, authapi.Credentials{
		Username: a.cfg.Username,
		Password: a.cfg.Password,
	}); err != nil && ctx.Err() == nil {
		a.log.Error("session.autologin.fail", "username", a.cfg.Username, "err", err)
	}
}

// Close stops background work and releases stores. It does not log out, so
// with a cookie file or Redis configured the next start resumes the session.
func (a *App) Close() {
	a.sess.Close()
	a.presence.Close()
	if err := a.journal.Close(); err != nil && !errors.Is(err, journal.ErrClosed) {
		a.log.Error("journal.close.fail", "err", err)
	}
	a.closeStores()
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

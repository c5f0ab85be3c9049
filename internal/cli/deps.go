package cli

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schoolconsole/notify-engine/config"
	"github.com/schoolconsole/notify-engine/internal/notification"
	"github.com/schoolconsole/notify-engine/internal/session"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/types"
)

// deps loads the configuration once and builds the collaborators commands
// run against.
type deps struct {
	configPath string

	once sync.Once
	cfg  *config.Config
	err  error
}

func (d *deps) config() (*config.Config, error) {
	d.once.Do(func() {
		if d.configPath != "" {
			d.cfg, d.err = config.LoadConfigFromFile(d.configPath)
		} else {
			d.cfg, d.err = config.LoadConfig()
		}
	})
	return d.cfg, d.err
}

func (d *deps) apiClient() (*notification.Client, error) {
	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	return notification.NewClient(cfg.API.BaseURL, cfg.Auth.Token, notification.WithTimeout(cfg.API.Timeout())), nil
}

// newSession builds a console session from the configuration. When
// METRICS.ADDRESS is set the engine metrics are served there for the life of
// the session.
func (d *deps) newSession() (listenSession, error) {
	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	sess, err := session.New(session.Config{
		Endpoint:         cfg.Push.Endpoint,
		BaseURL:          cfg.API.BaseURL,
		Token:            cfg.Auth.Token,
		UserID:           cfg.Auth.UserID,
		PageSize:         cfg.API.PageSize,
		ReconnectDelay:   cfg.Push.ReconnectDelay,
		HandshakeTimeout: time.Duration(cfg.Push.HandshakeTimeoutSeconds) * time.Second,
		APITimeout:       cfg.API.Timeout(),
	}, session.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Address == "" {
		return sess, nil
	}
	return &metricsSession{
		listenSession: sess,
		server: &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// metricsSession runs a metrics listener alongside a session.
type metricsSession struct {
	listenSession
	server *http.Server
}

func (m *metricsSession) Start(ctx context.Context) error {
	log := logger.GetLogger().Named("metrics")
	go func() {
		log.Infow("Serving metrics", "address", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Metrics listener failed", "error", err)
		}
	}()
	return m.listenSession.Start(ctx)
}

func (m *metricsSession) Stop() {
	m.listenSession.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}

// lazyAPI defers building the REST client until a command runs, so --help
// and flag errors never need a valid configuration.
type lazyAPI struct {
	deps *deps
}

func (l *lazyAPI) ListNotifications(ctx context.Context, page, limit int) (*types.NotificationPage, error) {
	c, err := l.deps.apiClient()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		cfg, _ := l.deps.config()
		limit = cfg.API.PageSize
	}
	return c.ListNotifications(ctx, page, limit)
}

func (l *lazyAPI) MarkAsRead(ctx context.Context, id int64) error {
	c, err := l.deps.apiClient()
	if err != nil {
		return err
	}
	return c.MarkAsRead(ctx, id)
}

func (l *lazyAPI) MarkAllAsRead(ctx context.Context) error {
	c, err := l.deps.apiClient()
	if err != nil {
		return err
	}
	return c.MarkAllAsRead(ctx)
}

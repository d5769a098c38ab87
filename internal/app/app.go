package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/chat"
	"github.com/unidesk/supportchat-client/internal/config"
	"github.com/unidesk/supportchat-client/internal/events"
	applog "github.com/unidesk/supportchat-client/internal/log"
	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/session"
	"github.com/unidesk/supportchat-client/internal/store"
	"github.com/unidesk/supportchat-client/internal/store/sqlite"
	"github.com/unidesk/supportchat-client/internal/transport"
)

// App is the composition root: it owns the connection manager singleton and
// wires the session resolver, synchronizer and presence coordinator around
// it. Nothing else constructs or holds the transport.
type App struct {
	Config   config.Config
	Log      *zerolog.Logger
	Bus      *events.Registry
	Conn     *transport.Manager
	API      *rest.Client
	Resolver *session.Resolver
	Sync     *chat.Synchronizer
	Presence *chat.Presence

	store     store.Store
	stopWatch func()
}

// New constructs the application with the provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("local store initialized")

	bus := events.NewRegistry(applog.Component(logger, "events"))
	api := rest.NewClient(cfg.APIBaseURL, applog.Component(logger, "rest"))

	resolver := session.NewResolver(st, api, cfg.GuestInactivityTimeout, applog.Component(logger, "session"))

	conn := transport.NewManager(transport.Options{
		URL:         cfg.WSURL,
		MaxAttempts: cfg.ReconnectAttempts,
		Backoff:     cfg.ReconnectBackoff,
		BackoffCap:  cfg.ReconnectBackoffCap,
	}, resolver, bus, applog.Component(logger, "transport"))
	resolver.AttachConn(conn)

	sync := chat.NewSynchronizer(conn, api, bus, chat.Options{
		DedupWindow: cfg.DedupWindow,
		ConnectWait: cfg.ConnectWait,
		PageSize:    cfg.HistoryPageSize,
	}, applog.Component(logger, "sync"))

	presence := chat.NewPresence(conn, bus, cfg.TypingExpiry, applog.Component(logger, "presence"))

	resolver.OnSessionEnd(func(reason string) {
		sync.Reset()
	})

	return &App{
		Config:   cfg,
		Log:      logger,
		Bus:      bus,
		Conn:     conn,
		API:      api,
		Resolver: resolver,
		Sync:     sync,
		Presence: presence,
		store:    st,
	}, nil
}

// Start resolves the stored identity, registers the synchronizer's listeners
// and begins the guest expiry watch.
func (a *App) Start(ctx context.Context) (session.Identity, error) {
	a.Sync.Start()

	id, err := a.Resolver.Resolve(ctx)
	if err != nil {
		return id, fmt.Errorf("resolve identity: %w", err)
	}
	a.applyIdentity(id)

	a.stopWatch = a.Resolver.StartExpiryWatch(time.Minute)
	return id, nil
}

// SetViewer overrides the synchronizer's viewer, used by the agent console
// where the authenticated user acts as an agent rather than a customer.
func (a *App) SetViewer(v chat.Viewer) {
	a.Sync.SetViewer(v)
}

func (a *App) applyIdentity(id session.Identity) {
	viewer := chat.Viewer{Mode: id.AuthMode()}
	switch id.Mode {
	case session.ModeUser:
		viewer.ID = id.UserID
		viewer.Name = id.UserName
		viewer.Type = chat.SenderCustomer
	case session.ModeGuest:
		viewer.ID = id.UserID
		viewer.Name = id.UserName
		viewer.Type = chat.SenderGuest
		if id.Guest != nil {
			viewer.Subject = id.Guest.Subject
		}
	}
	a.Sync.SetViewer(viewer)
}

// RefreshViewer re-derives the viewer from the resolver's current identity,
// called after guest session creation or login.
func (a *App) RefreshViewer() {
	a.applyIdentity(a.Resolver.Identity())
}

// Close releases all resources.
func (a *App) Close() {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.Sync.Stop()
	a.Conn.Disconnect()
	if err := a.store.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("failed to close store")
	}
}

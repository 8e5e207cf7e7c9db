package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"primus-kiosk/internal/api"
	"primus-kiosk/internal/auth"
	"primus-kiosk/internal/bridge"
	"primus-kiosk/internal/channel"
	"primus-kiosk/internal/config"
	"primus-kiosk/internal/dispatch"
	"primus-kiosk/internal/events"
	"primus-kiosk/internal/handshake"
	"primus-kiosk/internal/identity"
	"primus-kiosk/internal/model"
	"primus-kiosk/internal/queue"
	"primus-kiosk/internal/session"
	"primus-kiosk/internal/store"
	"primus-kiosk/internal/uibridge"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	st := store.New(store.Options{StateFile: cfg.StateFile()})
	ident := identity.New(st)
	bus := events.NewBus()
	native := bridge.NewHost()

	// A user-saved backend override wins over the configured default.
	client := api.NewClient(func() string {
		if url := st.BackendURL(); url != "" {
			return url
		}
		return cfg.BackendURL
	})

	ack := func(ctx context.Context, commandID int64, state model.AckState, result any) error {
		creds, ok := ident.Load()
		if !ok {
			return channel.ErrNoCredentials
		}
		return client.Ack(ctx, creds, commandID, state, result)
	}
	dispatcher := dispatch.New(native, bus, ack)

	reconciler := session.New(bus, st,
		func(ctx context.Context) (float64, error) {
			creds, ok := ident.Load()
			if !ok {
				return 0, channel.ErrNoCredentials
			}
			return client.EstimateTimeLeft(ctx, creds.PCID)
		},
		func(ctx context.Context, sessionID int64) error {
			creds, ok := ident.Load()
			if !ok {
				return channel.ErrNoCredentials
			}
			return client.StopSession(ctx, creds, sessionID)
		})

	ch := channel.New(client, ident, dispatcher, reconciler, bus, st)
	q := queue.New(st)
	flow := &handshake.Flow{Client: client, Native: native, Identity: ident}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoverCrashedSession(ctx, st, ident, client)

	go reconciler.Run(ctx)
	go reconciler.RunEstimatePoll(ctx)
	go flushOnReconnect(ctx, bus, q)

	if _, ok := ident.Load(); ok {
		if err := ch.Start(); err != nil {
			log.Printf("command channel: start failed: %v", err)
		}
	} else {
		log.Printf("no device credentials yet, waiting for onboarding")
	}

	router := uibridge.NewRouter(uibridge.Deps{
		TokenConfig:  auth.DefaultTokenConfig(cfg.BridgeSecret),
		BridgeSecret: cfg.BridgeSecret,
		Store:        st,
		Bus:          bus,
		Channel:      ch,
		Dispatcher:   dispatcher,
		Reconciler:   reconciler,
		Queue:        q,
		Identity:     ident,
		Handshake:    flow,
	})
	log.Printf("ui bridge listening on %s", fmt.Sprintf("127.0.0.1:%d", cfg.BridgePort))
	log.Fatal(uibridge.Run(cfg, router))
}

// recoverCrashedSession closes a session left active by an unclean shutdown.
// Best effort: the server also times sessions out on missed heartbeats.
func recoverCrashedSession(ctx context.Context, st *store.Store, ident *identity.Store, client *api.Client) {
	sessionID := st.ActiveSessionID()
	if sessionID == 0 {
		return
	}
	creds, ok := ident.Load()
	if !ok {
		st.SetActiveSessionID(0)
		return
	}
	log.Printf("recovering session %d left active from previous run", sessionID)
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.StopSession(stopCtx, creds, sessionID); err != nil {
		log.Printf("session recovery failed: %v", err)
		return
	}
	st.SetActiveSessionID(0)
}

// flushOnReconnect drains the offline queue whenever the command channel
// reports connectivity restored.
func flushOnReconnect(ctx context.Context, bus *events.Bus, q *queue.Queue) {
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.Type != model.EventConnection {
				continue
			}
			payload, _ := event.Payload.(map[string]bool)
			if payload["connected"] && q.Len() > 0 {
				q.Flush(ctx)
			}
		}
	}
}

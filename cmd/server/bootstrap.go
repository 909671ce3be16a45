package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/haivu-dev/courier/internal/api"
	"github.com/haivu-dev/courier/internal/app"
	iauth "github.com/haivu-dev/courier/internal/auth"
	"github.com/haivu-dev/courier/internal/bus"
	"github.com/haivu-dev/courier/internal/lifecycle"
	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/monitoring/checks"
	"github.com/haivu-dev/courier/internal/notify"
	"github.com/haivu-dev/courier/internal/registry"
	"github.com/haivu-dev/courier/internal/services"
	"github.com/haivu-dev/courier/internal/store"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	Store        store.Store
	Bus          bus.Bus
	Registry     *registry.Registry
	Engine       *notify.Engine
	Presence     *services.PresenceService
	Manager      *lifecycle.Manager
	Health       *monitoring.HealthManager
	Router       *gin.Engine
	Subscription string
}

// bootstrapRuntime initialises the store, the event bus, the notification
// engine with its per-process subscription, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{Registry: registry.New()}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.Store, err = initialiseStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	topic := strings.TrimSpace(cfg.Bus.PubSub.Topic)
	if topic == "" {
		topic = notify.DefaultTopic
	}

	stack.Bus, err = initialiseBus(ctx, cfg, topic)
	if err != nil {
		return nil, err
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Presence, err = services.NewPresenceService(stack.Store, stack.Bus,
		services.WithPresenceTopic(topic))
	if err != nil {
		return nil, fmt.Errorf("initialise presence service: %w", err)
	}

	stack.Engine, err = notify.NewEngine(stack.Store, stack.Bus, stack.Registry,
		notify.WithTopic(topic))
	if err != nil {
		return nil, fmt.Errorf("initialise notification engine: %w", err)
	}

	// Every process gets its own subscription so bus events are broadcast:
	// each instance fans out to its local sockets independently.
	if err := stack.Bus.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("ensure events topic: %w", err)
	}
	stack.Subscription = fmt.Sprintf("%s-%s", topic, uuid.NewString())
	if err := stack.Bus.CreateSubscription(ctx, topic, stack.Subscription, bus.SubscriptionConfig{
		AckDeadline:    cfg.Bus.PubSub.AckDeadline,
		MaxOutstanding: cfg.Bus.PubSub.MaxOutstanding,
	}); err != nil {
		return nil, fmt.Errorf("create process subscription: %w", err)
	}
	if err := stack.Bus.Subscribe(ctx, stack.Subscription, stack.Engine.HandleBusEvent); err != nil {
		return nil, fmt.Errorf("subscribe event handler: %w", err)
	}
	log.Info("event subscription active",
		zap.String("topic", topic),
		zap.String("subscription", stack.Subscription))

	stack.Manager, err = lifecycle.NewManager(stack.Registry, stack.Presence, jwtSvc,
		lifecycle.WithSweepSchedule(cfg.Lifecycle.SweepSchedule),
		lifecycle.WithRevalidateSchedule(cfg.Lifecycle.RevalidateSchedule),
		lifecycle.WithRevalidateAfter(cfg.Lifecycle.RevalidateAfter))
	if err != nil {
		return nil, fmt.Errorf("initialise lifecycle manager: %w", err)
	}
	if err := stack.Manager.Start(); err != nil {
		return nil, fmt.Errorf("start lifecycle sweeps: %w", err)
	}

	stack.Health = monitoring.NewHealthManager()
	stack.Health.Register(checks.Store(stack.Store, cfg.Monitoring.ProbeTimeout))
	stack.Health.Register(checks.Bus(stack.Bus, cfg.Monitoring.ProbeTimeout))
	stack.Health.Register(checks.Registry(stack.Registry))

	stack.Router, err = api.NewRouter(api.Dependencies{
		Store:   stack.Store,
		Engine:  stack.Engine,
		Manager: stack.Manager,
		JWT:     jwtSvc,
		Health:  stack.Health,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources. The
// per-process subscription is deleted so the broker does not accumulate
// orphans from restarted instances.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Manager != nil {
		<-s.Manager.Stop().Done()
		closed := s.Manager.ForceDisconnectAll(ctx)
		if closed > 0 {
			log.Info("closed remaining connections", zap.Int("count", closed))
		}
	}

	if s.Bus != nil {
		var errs error
		if s.Subscription != "" {
			errs = multierr.Append(errs, s.Bus.DeleteSubscription(ctx, s.Subscription))
		}
		errs = multierr.Append(errs, s.Bus.Close())
		if errs != nil {
			log.Warn("bus shutdown", zap.Error(errs))
		}
	}

	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn("store shutdown", zap.Error(err))
		}
	}
}

func initialiseStore(ctx context.Context, cfg *app.Config) (store.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "firestore":
		st, err := store.NewFirestoreStore(ctx, store.FirestoreConfig{
			ProjectID:       strings.TrimSpace(cfg.Store.Firestore.ProjectID),
			CredentialsFile: strings.TrimSpace(cfg.Store.Firestore.CredentialsFile),
		})
		if err != nil {
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func initialiseBus(ctx context.Context, cfg *app.Config, topic string) (bus.Bus, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Bus.Driver))
	switch driver {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "pubsub":
		b, err := bus.NewPubSubBus(ctx, bus.PubSubConfig{
			ProjectID:       strings.TrimSpace(cfg.Bus.PubSub.ProjectID),
			CredentialsFile: strings.TrimSpace(cfg.Bus.PubSub.CredentialsFile),
			HealthTopic:     topic,
		})
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}
}

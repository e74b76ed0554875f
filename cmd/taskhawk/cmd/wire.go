package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/austindbirch/taskhawk"
	awsbackend "github.com/austindbirch/taskhawk/backend/aws"
	gcpbackend "github.com/austindbirch/taskhawk/backend/gcp"
	"github.com/austindbirch/taskhawk/backend/memory"
	nsqbackend "github.com/austindbirch/taskhawk/backend/nsq"
	"github.com/austindbirch/taskhawk/internal/config"
	"github.com/austindbirch/taskhawk/internal/db"
	"github.com/austindbirch/taskhawk/internal/health"
	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/retrystate"
)

// purgeSchedule is when expired Postgres retry counters are deleted.
const purgeSchedule = "@hourly"

// deps holds everything a command builds from config and must release.
type deps struct {
	provider taskhawk.Provider
	store    retrystate.Store
	// pinger backs the /healthz dependency check; nil when the store is
	// in-process.
	pinger     health.Pinger
	nsqMonitor *nsqbackend.Monitor
	closers    []func() error
}

// Close releases resources in reverse order of acquisition.
func (r *deps) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config, logger *logging.Logger) (*deps, error) {
	rt := &deps{}

	store, pinger, closeStore, err := buildRetryStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store, rt.pinger = store, pinger
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	provider, closeProvider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.provider = provider
	if closeProvider != nil {
		rt.closers = append(rt.closers, closeProvider)
	}

	if cfg.Provider == "nsq" {
		if cfg.NSQ.NsqdHTTPAddr != "" {
			rt.nsqMonitor = nsqbackend.NewMonitor(cfg.NSQ.NsqdHTTPAddr, logger)
		}
		if store == nil {
			logger.Plain().Warn("NSQ has no native redrive; without a retry state store failing messages are retried forever")
		}
	}
	return rt, nil
}

func buildProvider(ctx context.Context, cfg config.Config, logger *logging.Logger) (taskhawk.Provider, func() error, error) {
	switch cfg.Provider {
	case "memory":
		return memory.NewProvider(memory.NewBroker(), cfg.Queue), nil, nil
	case "nsq":
		p, err := nsqbackend.NewProvider(cfg.Queue, nsqbackend.Options{
			NsqdTCPAddr:     cfg.NSQ.NsqdTCPAddr,
			LookupdHTTPAddr: cfg.NSQ.LookupHTTPAddr,
			Channel:         cfg.NSQ.Channel,
			MsgTimeout:      cfg.NSQ.MsgTimeout,
			MaxInFlight:     cfg.Consumer.NumMessages,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "aws":
		p, err := awsbackend.NewProvider(ctx, cfg.Queue, awsbackend.Options{
			Region:         cfg.AWS.Region,
			AccountID:      cfg.AWS.AccountID,
			AccessKey:      cfg.AWS.AccessKey,
			SecretKey:      cfg.AWS.SecretKey,
			SessionToken:   cfg.AWS.SessionToken,
			SNSEndpoint:    cfg.AWS.SNSEndpoint,
			SQSEndpoint:    cfg.AWS.SQSEndpoint,
			ConnectTimeout: cfg.AWS.ConnectTimeout,
			ReadTimeout:    cfg.AWS.ReadTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case "gcp":
		p, err := gcpbackend.NewProvider(ctx, cfg.Queue, gcpbackend.Options{
			ProjectID:       cfg.GCP.ProjectID,
			CredentialsFile: cfg.GCP.CredentialsFile,
			Endpoint:        cfg.GCP.Endpoint,
			PullTimeout:     cfg.GCP.PullTimeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown provider %q", taskhawk.ErrConfiguration, cfg.Provider)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func buildRetryStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (retrystate.Store, health.Pinger, func() error, error) {
	rs := cfg.RetryState
	switch rs.Store {
	case "", "none":
		return nil, nil, nil, nil
	case "memory":
		return retrystate.NewMemory(rs.MaxTries), nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := retrystate.NewRedis(client, rs.MaxTries, rs.TTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("%w: %w", taskhawk.ErrConfiguration, err)
		}
		return store, redisPinger{client: client}, client.Close, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN(), 4)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("retry state database: %w", err)
		}
		store, err := retrystate.NewPostgres(ctx, pool, rs.MaxTries, rs.TTL)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		purger, err := schedulePurge(store, logger)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		closeFn := func() error {
			<-purger.Stop().Done()
			pool.Close()
			return nil
		}
		return store, pool, closeFn, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: unknown retry state store %q", taskhawk.ErrConfiguration, rs.Store)
}

// schedulePurge deletes expired Postgres counters on purgeSchedule.
func schedulePurge(store *retrystate.Postgres, logger *logging.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(purgeSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := store.Purge(ctx)
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to purge retry state")
			return
		}
		logger.Plain().WithField("purged", n).Debug("Purged expired retry state")
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// newHub builds a hub over rt and registers the app's tasks.
func (c *cli) newHub(cfg config.Config, rt *deps, logger *logging.Logger, heartbeat taskhawk.Hook) (*taskhawk.Hub, error) {
	hub, err := taskhawk.NewHub(taskhawk.Config{
		Queue:         cfg.Queue,
		Sync:          cfg.Sync,
		HeartbeatHook: heartbeat,
		RetryStore:    rt.store,
		Logger:        logger,
	}, nil, rt.provider)
	if err != nil {
		return nil, err
	}
	if c.app.Register != nil {
		if err := c.app.Register(hub); err != nil {
			return nil, fmt.Errorf("register tasks: %w", err)
		}
	}
	return hub, nil
}

package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/archive"
	"github.com/nexusmarkets/nexus-deploy/internal/artifact"
	"github.com/nexusmarkets/nexus-deploy/internal/auth"
	"github.com/nexusmarkets/nexus-deploy/internal/autoscale"
	"github.com/nexusmarkets/nexus-deploy/internal/config"
	"github.com/nexusmarkets/nexus-deploy/internal/engine"
	"github.com/nexusmarkets/nexus-deploy/internal/events"
	"github.com/nexusmarkets/nexus-deploy/internal/fleet"
	"github.com/nexusmarkets/nexus-deploy/internal/httpserver"
	"github.com/nexusmarkets/nexus-deploy/internal/provision"
	"github.com/nexusmarkets/nexus-deploy/internal/secrets"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
	"github.com/nexusmarkets/nexus-deploy/internal/tlsutil"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeDB, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer closeDB()

	hub := approval.NewHub()

	provisioner, cfnMemory, err := buildProvisioner(ctx, cfg)
	if err != nil {
		log.Fatalf("provisioner init: %v", err)
	}
	if cfnMemory != nil {
		log.Printf("[startup] dry run: in-process control plane, no AWS calls")
	}

	builder, err := buildBuilder(cfg)
	if err != nil {
		log.Fatalf("builder init: %v", err)
	}

	fl, err := fleet.New(builder, provisioner, hub, fleet.Config{
		Environment: cfg.Environment,
		ClusterName: cfg.ClusterName,
	})
	if err != nil {
		log.Fatalf("fleet init: %v", err)
	}

	emitter, err := buildEmitter(ctx, cfg)
	if err != nil {
		log.Fatalf("emitter init: %v", err)
	}
	defer emitter.Close()

	var archiver engine.Archiver
	if cfg.ArchiveBucket != "" && !cfg.DryRun {
		a, err := archive.NewS3ArchiverFromEnv(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = a
	}

	var scaler *autoscale.Manager
	if cfg.AutoscaleEnabled && !cfg.DryRun {
		source, err := autoscale.NewCloudWatchSourceFromEnv(ctx)
		if err != nil {
			log.Fatalf("cloudwatch init: %v", err)
		}
		actuator, err := autoscale.NewECSActuatorFromEnv(ctx)
		if err != nil {
			log.Fatalf("ecs init: %v", err)
		}
		scaler = autoscale.NewManager(source, actuator, cfg.AutoscaleInterval)
		defer scaler.Stop()
	}

	eng := engine.New(ctx, trigger.Resolver{ProtectedBranches: cfg.ProtectedBranches}, fl, st, emitter, archiver, hub, scaler, engine.Config{
		Concurrency:  cfg.Concurrency,
		StageTimeout: cfg.StageTimeout,
	})

	if cfg.ApprovalsQueueURL != "" {
		sqsClient, err := approval.NewSQSClient(ctx)
		if err != nil {
			log.Fatalf("sqs init: %v", err)
		}
		watcher, err := approval.NewWatcher(sqsClient, hub, approval.WatcherConfig{QueueURL: cfg.ApprovalsQueueURL})
		if err != nil {
			log.Fatalf("approval watcher init: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[startup] approval watcher exited: %v", err)
			}
		}()
	}

	var verifier *auth.Verifier
	if cfg.AuthKeysFile != "" {
		verifier, err = auth.NewVerifier(cfg.AuthKeysFile)
		if err != nil {
			log.Fatalf("auth init: %v", err)
		}
	}

	server := httpserver.New(cfg, eng, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}
	if cfg.TLSCertFile != "" {
		tlsCfg, err := tlsutil.NewServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile, cfg.RequireClientCert)
		if err != nil {
			log.Fatalf("tls init: %v", err)
		}
		httpServer.TLSConfig = tlsCfg
	}

	go func() {
		log.Printf("deployd listening on %s", cfg.Addr)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, eng)
}

func buildStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Printf("[startup] no DATABASE_URL, using in-memory run store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	pg, err := store.NewPGStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, func() { db.Close() }, nil
}

func buildProvisioner(ctx context.Context, cfg config.Config) (*provision.Provisioner, *provision.MemoryCloudFormation, error) {
	if cfg.DryRun {
		mem := provision.NewMemoryCloudFormation()
		return provision.New(mem, provision.Config{PollInterval: 50 * time.Millisecond}), mem, nil
	}
	api, err := provision.NewCloudFormationClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	secretSource, err := secrets.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	return provision.New(api, provision.Config{Secrets: secretSource}), nil, nil
}

func buildBuilder(cfg config.Config) (artifact.Builder, error) {
	if cfg.BuilderURL != "" && !cfg.DryRun {
		return artifact.NewHTTPBuilder(artifact.HTTPBuilderConfig{
			BaseURL: cfg.BuilderURL,
			Timeout: cfg.StageTimeout,
			Retries: 2,
		})
	}
	if !cfg.DryRun {
		log.Printf("[startup] no builder url, deriving artifact ids from commits")
	}
	return artifact.StaticBuilder{}, nil
}

func buildEmitter(ctx context.Context, cfg config.Config) (events.Emitter, error) {
	var emitters []events.Emitter
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaEmitter(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, k)
	}
	if cfg.SNSTopicARN != "" && !cfg.DryRun {
		client, err := events.NewSNSClient(ctx)
		if err != nil {
			return nil, err
		}
		n, err := events.NewSNSNotifier(client, cfg.SNSTopicARN)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, n)
	}
	switch len(emitters) {
	case 0:
		return events.Nop{}, nil
	case 1:
		return emitters[0], nil
	default:
		return events.NewFanout(emitters...), nil
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, eng *engine.Engine) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	eng.Wait()
}

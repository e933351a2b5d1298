package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/auth"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/infra/postgres"
	redisinfra "live-quiz-service/internal/infra/redis"
	transport "live-quiz-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	// redis.ttl is the older name of game.session_ttl
	sessionTTL := config.TTLDuration(cfg.Game.SessionTTL, config.TTLDuration(cfg.Redis.TTL, 2*time.Hour))

	// Question templates come from Postgres when configured.
	var loader memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleQuestionSets())
	var instances interface {
		app.InstanceRepository
		app.ScoreWriter
	} = memory.NewInstanceStore()
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		loader = postgres.NewQuestionLoader(pool)

		db := postgres.OpenBun(cfg.Postgres.URL)
		defer db.Close()
		instances = postgres.NewInstanceStore(db)
	} else {
		log.Printf("no postgres configured, using in-memory instances and sample templates")
	}

	questionTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	hub := transport.NewHub()
	var (
		questions app.QuestionRepository
		store     app.StateStore
		rooms     app.Broadcaster = hub
	)
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, loader, questionTTL)
		store = redisinfra.NewStateStore(redisClient)
		relay := redisinfra.NewRelay(redisClient, cfg.Redis.Channel, hub)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("event relay stopped: %v", err)
			}
		}()
		rooms = relay
	} else {
		log.Printf("no redis configured, session state is local to this process")
		questions = memory.NewQuestionRepository(loader, questionTTL)
		store = memory.NewStateStore()
	}

	if cfg.Auth.JWTSecret == "" {
		log.Printf("warning: JWT secret is empty")
	}
	identity := auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.AllowGuests)

	service := app.NewGameService(store, questions, instances, instances, rooms, app.Options{
		MaxParticipants:  cfg.Game.MaxParticipants,
		AccessCodeLength: cfg.Game.AccessCodeLength,
		SessionTTL:       sessionTTL,
	})

	mux := http.NewServeMux()
	transport.Routes(mux, transport.NewAPIHandler(service, identity), transport.NewWSHandler(service, hub, identity))

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("starting live quiz service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		log.Println("shutting down server...")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestionSets lets the server run without a database.
func sampleQuestionSets() map[string]domain.QuestionSet {
	return map[string]domain.QuestionSet{
		"sample": {
			TemplateID: "sample",
			Questions: []domain.Question{
				{
					UID:            "sample-1",
					Type:           domain.SingleChoice,
					Text:           "What is 2 + 2?",
					Options:        []string{"3", "4", "5"},
					CorrectAnswers: []bool{false, true, false},
					TimeLimitMs:    20000,
					Points:         1,
				},
				{
					UID:            "sample-2",
					Type:           domain.MultipleChoice,
					Text:           "Which of these are prime?",
					Options:        []string{"2", "4", "7", "9"},
					CorrectAnswers: []bool{true, false, true, false},
					TimeLimitMs:    30000,
					Points:         2,
				},
				{
					UID:         "sample-3",
					Type:        domain.Numeric,
					Text:        "Approximate pi to two decimals",
					Numeric:     &domain.NumericAnswer{Value: 3.14, Tolerance: 0.005},
					TimeLimitMs: 30000,
					Points:      1,
				},
			},
		},
	}
}

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"lmclient/internal/config"
	"lmclient/internal/conversations"
	"lmclient/internal/events"
	"lmclient/internal/llm"
	"lmclient/internal/logging"
	"lmclient/internal/messaging"
	"lmclient/internal/rag"
	"lmclient/internal/settings"
	"lmclient/internal/store"
)

const version = "1.0.0"

// App bundles the wired services for embedding hosts.
type App struct {
	Store         *store.Store
	Bus           *events.Bus
	Client        *llm.Client
	Conversations *conversations.Service
	Settings      *settings.Service
	Rag           *rag.Engine
	Messaging     *messaging.Orchestrator
}

func newApp(cfg *config.Config, tokenizer rag.Tokenizer) (*App, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	bus := events.New()
	client := llm.NewClient(logging.NewLogger("llm"))

	convs := conversations.NewService(st, bus, logging.NewLogger("conversations"))
	engine := rag.NewEngine(st, client, bus, tokenizer, logging.NewLogger("rag"))
	sets := settings.NewService(st, client, bus, logging.NewLogger("settings"))
	orch := messaging.NewOrchestrator(convs, engine, client, st, bus, logging.NewLogger("messaging"))

	return &App{
		Store:         st,
		Bus:           bus,
		Client:        client,
		Conversations: convs,
		Settings:      sets,
		Rag:           engine,
		Messaging:     orch,
	}, nil
}

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("LMCLIENT_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.Setup(cfg.Logging.Level, nil)
	logger := logging.NewLogger("main")
	logger.Infof("Starting lmclient v%s", version)

	tokenizer, err := rag.NewTiktokenTokenizer()
	if err != nil {
		logger.Errorf("Failed to load tokenizer: %v", err)
		os.Exit(1)
	}

	app, err := newApp(cfg, tokenizer)
	if err != nil {
		logger.Errorf("Failed to initialize: %v", err)
		os.Exit(1)
	}
	defer app.Store.Close()
	logger.Info("Database initialized")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")
}

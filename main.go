package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pos_bian_go/config"
	"pos_bian_go/logs"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	flag.Parse()

	// API keys live in the environment; .env is a convenience for local runs
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		return
	}

	logFilename := fmt.Sprintf("%s/engine.log", cfg.Engine.LogDirectory)
	stateFilename := fmt.Sprintf("%s/positions.json", cfg.Engine.StateDirectory)

	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		return
	}
	defer logs.Close()

	logs.Infof("Configuration loaded, logs will be written to: %s", logFilename)

	engine, err := NewEngine(cfg, stateFilename)
	if err != nil {
		logs.Fatalf("Failed to initialize engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		logs.Fatalf("Failed to start engine: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	engine.Stop()
}

package main

import (
	"fmt"
	"os"

	abaichat "github.com/b1411/abai-multi-tenent-sub001"
)

// getClient creates a chat client from the stored configuration.
func getClient() (*abaichat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'abai-chat init <token> <user-id>' first.")
		os.Exit(1)
	}

	return abaichat.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}

// getSession builds the session identity from the stored configuration.
func getSession(cfg *Config) abaichat.Session {
	if cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No user id. Run 'abai-chat init <token> <user-id>' first.")
		os.Exit(1)
	}
	return abaichat.Session{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}
}

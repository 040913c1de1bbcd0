package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"chat-backend/internal/auth"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type TokenConfig struct {
	JWTSecret string `env:"JWT_SECRET,notEmpty,required"`
}

// token prints a bearer token for local development.
func main() {
	var (
		envPath  string
		subject  string
		validity time.Duration
	)
	flag.StringVar(&envPath, "env", "", "path to load env from")
	flag.StringVar(&subject, "sub", "", "user id to put in the token")
	flag.DurationVar(&validity, "ttl", 24*time.Hour, "how long the token is valid")
	flag.Parse()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			log.Fatalf("error loading .env file '%s': %v", envPath, err)
		}
	}

	if subject == "" {
		log.Fatalf("-sub is required")
	}

	var cfg TokenConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	token, err := auth.GenerateToken(subject, []byte(cfg.JWTSecret), validity)
	if err != nil {
		log.Fatalf("error generating token: %v", err)
	}

	fmt.Fprintln(os.Stdout, token)
}

// Command devtoken signs a bearer token for local testing. Identity is issued
// elsewhere in production; this only mirrors its claim shape.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Windi-Fikriyansyah/escrowd/internal/config"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/utils"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logger.New(logger.Config{Level: cfg.LogLevel, Format: "text"}, os.Stderr))

	role := flag.String("role", "employer", "employer, freelancer or admin")
	user := flag.String("user", "", "user id (random when empty)")
	ttl := flag.Int("ttl", cfg.JWTExpiresMin, "lifetime in minutes")
	flag.Parse()

	r, ok := models.ParseRole(*role)
	if !ok {
		slog.Error("unknown role", "role", *role)
		os.Exit(2)
	}
	id := uuid.New()
	if *user != "" {
		parsed, err := uuid.Parse(*user)
		if err != nil {
			slog.Error("invalid user id", "error", err)
			os.Exit(2)
		}
		id = parsed
	}

	tok, err := utils.SignJWT(cfg.JWTSecret, id.String(), string(r), *ttl)
	if err != nil {
		slog.Error("sign token", "error", err)
		os.Exit(1)
	}
	slog.Info("signed token", "user", id, "role", r, "ttl_min", *ttl)
	fmt.Println(tok)
}

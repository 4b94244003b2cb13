// Command admintoken mints a bearer token for the netcore admin API using the
// auth settings of a netcore config file.
//
//	NETCORE_JWT_SECRET=... admintoken -config configs/netcore.yaml -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/netcore/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/netcore.yaml", "path to configuration file")
	subject := flag.String("sub", "operator", "token subject")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	token, err := mint(cfg.Auth, *subject, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(token)
}

// mint signs an HS256 token carrying every scope cfg requires.
func mint(cfg config.AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.JWTSecret == "" || strings.Contains(cfg.JWTSecret, "${") {
		return "", fmt.Errorf("auth.jwt_secret is not set")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"iss":   cfg.Issuer,
		"aud":   cfg.Audience,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(cfg.Scopes, " "),
	})
	return token.SignedString([]byte(cfg.JWTSecret))
}

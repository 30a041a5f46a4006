// Command gentoken prints a signed bearer token accepted by the gateway's
// HMAC verifier. Handy for curl sessions and load tests:
//
//	curl -H "Authorization: Bearer $(go run ./cmd/gentoken -role COURIER)" ...
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oarthurfc/delivery-app/internal/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file holding JWT_SECRET")
	userID := flag.String("user-id", "1", "userId claim")
	role := flag.String("role", "CUSTOMER", "role claim")
	ttl := flag.Duration("ttl", 2*time.Hour, "token lifetime")
	flag.Parse()

	secret, err := loadSecret(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	token, err := sign(secret, *userID, *role, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(token)
}

// loadSecret reads JWT_SECRET after merging envFile into the environment.
// A missing file just means the secret comes from the environment.
func loadSecret(envFile string) (string, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return "", err
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", errors.New("JWT_SECRET is not set")
	}
	return secret, nil
}

func sign(secret, userID, role string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"userId": userID,
		"role":   role,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Command gateway-token prints a bearer token accepted by POST /api/ocpp/send.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"evgateway/backend/services/ocpp-gateway/internal/auth"
	"evgateway/backend/services/ocpp-gateway/internal/config"
)

func main() {
	service := flag.StringP("service", "s", "backend", "value of the service claim")
	ttl := flag.DurationP("ttl", "t", 0, "token lifetime, defaults to JWT_TTL_MINUTES")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lifetime := cfg.TokenTTL()
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := auth.NewTokenService(cfg.JWT.Secret, lifetime).GenerateToken(*service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

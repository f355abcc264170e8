// Command tokengen mints a signed handshake token for local testing
// and development, using the same HMAC scheme the gateway verifies
// (internal/auth).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/taigaio/events-gateway/internal/auth"
)

func main() {
	secret := flag.String("secret", "", "HMAC secret key (must match the gateway's secret_key)")
	userID := flag.Int64("user", 0, "user id to embed in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (0 = no expiry)")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -secret is required")
		os.Exit(1)
	}
	if *userID == 0 {
		fmt.Fprintln(os.Stderr, "tokengen: -user is required")
		os.Exit(1)
	}

	var expiresAt *int64
	if *ttl > 0 {
		exp := time.Now().Add(*ttl).Unix()
		expiresAt = &exp
	}

	fmt.Println(auth.Sign(*secret, *userID, expiresAt))
}

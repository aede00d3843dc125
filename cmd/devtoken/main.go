// Command devtoken mints a bearer token for local testing.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"vendorverify.io/internal/auth"
)

func main() {
	log.SetFlags(0)
	var (
		secret  = pflag.String("secret", os.Getenv("VENDORVERIFY_AUTH_JWT_SECRET"), "HS256 signing secret")
		issuer  = pflag.String("issuer", "vendorverify", "Token issuer")
		subject = pflag.StringP("user", "u", "", "Subject (user id)")
		roles   = pflag.StringSliceP("role", "r", []string{auth.RoleVendor}, "Roles to grant (repeatable)")
		ttl     = pflag.Duration("ttl", time.Hour, "Token lifetime")
	)
	pflag.Parse()

	v, err := auth.NewVerifier(*secret, *issuer)
	if err != nil {
		log.Fatalf("devtoken: %v", err)
	}
	token, err := v.GenerateToken(*subject, *roles, *ttl)
	if err != nil {
		log.Fatalf("devtoken: %v", err)
	}
	fmt.Println(token)
}

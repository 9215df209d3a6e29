// Command examples logs in and prints the current quarter's DRE.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"medstaff/sdk/go/medstaff"
)

func main() {
	client, err := medstaff.NewClient(envOr("MEDSTAFF_URL", "http://localhost:8080"), nil)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.Login(ctx, os.Getenv("MEDSTAFF_USER"), os.Getenv("MEDSTAFF_PASSWORD")); err != nil {
		panic(err)
	}

	now := time.Now()
	from := now.AddDate(0, -2, 0).Format("2006-01")
	dre, err := client.DRE(ctx, from, now.Format("2006-01"))
	if err != nil {
		panic(err)
	}
	for _, m := range dre.Months {
		fmt.Printf("%s  receita líquida %s  lucro líquido %s\n",
			m.Competence, m.Formatted["receita_liquida"], m.Formatted["lucro_liquido"])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

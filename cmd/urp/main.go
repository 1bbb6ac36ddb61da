// Command urp runs the URL-Rewriting HTTP Proxy.
package main

import (
	"os"

	"github.com/mojhehh/nebula/internal/urp/app"
	"github.com/mojhehh/nebula/internal/urp/config"
)

func main() {
	cfg := config.MustLoad()
	a := app.New(cfg)
	os.Exit(a.Run())
}

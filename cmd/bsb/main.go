// Command bsb runs the Browser-Session Broker.
package main

import (
	"os"

	"github.com/mojhehh/nebula/internal/bsb/app"
	"github.com/mojhehh/nebula/internal/bsb/config"
)

func main() {
	cfg := config.MustLoad()
	a := app.New(cfg)
	os.Exit(a.Run())
}

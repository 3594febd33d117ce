package main

import (
	"os"

	"github.com/nuetzliches/mgmtagent/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

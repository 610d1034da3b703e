package main

import (
	"flag"
	"log"

	"github.com/danmuck/racectl/internal/config"
)

const defaultPath = "cmd/racectl/config.toml"

func main() {
	kind := flag.String("kind", "racectl", "config kind: racectl|hci|sim")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		f, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := config.Resolve(f); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s backend config at %s", f.Device.Backend, *input)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}

package main

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tickrun/tickrun/internal/model"
)

func printConfig(w io.Writer, cfg model.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}

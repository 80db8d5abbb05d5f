package main

import (
	"fmt"
	"os"
)

type ConfigCommand struct {
	Validate bool `long:"validate" description:"Also check that the robot side config is complete"`
}

func (c *ConfigCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	if c.Validate {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		fmt.Fprintln(os.Stderr, "configuration is valid")
	}
	return nil
}

package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config   string `short:"c" long:"config" env:"TACTILE_CONFIG" description:"YAML config file"`
	LogLevel string `long:"log-level" description:"Override logger.level (debug, info, warn, error)"`
	Protocol string `long:"protocol" description:"Override protocol.name (webrtc, nats)"`

	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Receive operator goals and drive the follower arm"`
	Simulate    SimulateCommand    `command:"simulate" description:"Act as a VR operator and stream synthetic controller frames to a robot"`
	Setup       SetupCommand       `command:"setup" description:"Find and calibrate the follower arm"`
	ShowConfig  ConfigCommand      `command:"config" description:"Print the resolved configuration"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "tactile - robot side of the tactile teleoperation control plane"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

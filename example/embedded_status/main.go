package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/loykin/restartctl"
)

// This example loads a TOML config file and runs a read-only status session
// using the public restartctl facade.
func main() {
	cfgPath := "examples/config/restartctl.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	fc, err := restartctl.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	orc, err := restartctl.New(fc, restartctl.NewConsoleLogger(os.Stderr, fc.LogLevel))
	if err != nil {
		panic(err)
	}
	rep := orc.Run(context.Background(), restartctl.ModeStatus)
	b, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(b))
}

// ./main.go
package main

import (
	"github.com/likeaw/ai-web-agent-industrial/cmd"
)

// main is the entry point for the webagent application. All command-line
// parsing, configuration and execution happens in the cmd package.
func main() {
	cmd.Execute()
}

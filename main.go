// The main package for the scrapyd executable.
package main

import (
	"github.com/JensMuenkel/scrapyd/cmd"
)

func main() {
	cmd.Execute()
}

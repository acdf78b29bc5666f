// The main package for the pagesift executable.
package main

import (
	"github.com/pagesift/pagesift/cmd"
)

func main() {
	cmd.Execute()
}

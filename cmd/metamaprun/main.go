// Command metamaprun drives parallel batch invocation of a medical-text
// annotator over directories of clinical notes.
package main

import (
	"fmt"
	"os"

	"github.com/jpequegn/metamaprun/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

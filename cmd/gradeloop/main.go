// Command gradeloop grades photographed homework submissions.
package main

import "github.com/berth-dev/gradeloop/internal/cli"

func main() {
	cli.Execute()
}

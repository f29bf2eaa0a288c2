package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fhirfactory/hestia-audit-relay/pkg/cli"
)

func main() {
	if err := cli.Execute(context.Background(), cli.DefaultOptions()); err != nil {
		fmt.Fprintln(os.Stderr, "audit-relay:", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/dalemusser/mailaddr/internal/mailaddrcli"
)

func main() {
	os.Exit(mailaddrcli.Run("mailaddr", os.Args[1:], os.Stdout, os.Stderr))
}

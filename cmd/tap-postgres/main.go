// Command tap-postgres runs the PostgreSQL change-data-capture engine
// against a config/catalog/state file triple, matching the file-trio
// convention used throughout the Singer/tap ecosystem this engine
// implements.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithField("err", err).Error("tap-postgres failed")
		os.Exit(1)
	}
}

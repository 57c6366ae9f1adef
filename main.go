package main

import (
	"os"

	"github.com/katasec/mssql-changestream/internal/logging"
	"github.com/katasec/mssql-changestream/mssql"
)

func main() {
	if err := mssql.NewRootCommand().Execute(); err != nil {
		logging.GetLogger().Error("mssql-changestream failed", "error", err)
		os.Exit(1)
	}
}

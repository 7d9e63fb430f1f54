package main

import (
	"log"

	"github.com/shutterbay/bundler/models/db"
	"github.com/shutterbay/bundler/setup"
	"github.com/shutterbay/bundler/test"
)

func main() {
	if err := setup.DB(setup.DefaultConnection, 1); err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := test.TruncateTables(nil); err != nil {
		log.Fatal(err)
	}
}

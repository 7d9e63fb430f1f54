// Run the bundler API server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "shutterbay". You will
// want to copy this binary and add your own authentication scheme.
package bundler

import (
	"log"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gorilla/handlers"
	"github.com/shutterbay/bundler/config"
	"github.com/shutterbay/bundler/fingerprint"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/orchestrator"
	"github.com/shutterbay/bundler/server"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/setup"
	"github.com/shutterbay/bundler/storage"
)

var serverDbConns int

func init() {
	var err error
	serverDbConns, err = config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		serverDbConns = 10
	}

	metrics.Namespace = "bundler.server"

	// Change this user to a private value
	server.AddUser("test", "shutterbay")
}

func Example_server() {
	if err := setup.DB(setup.DefaultConnection, serverDbConns); err != nil {
		log.Fatal(err)
	}

	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	store := storage.NewMemoryStore()
	builder := &services.Builder{Store: store}
	processor := services.NewBuildProcessor(builder, services.Fanout{Store: store})
	prints := fingerprint.NewComputer(fingerprint.CountAndLatest, galleries.AssetSummary, 30*time.Second)

	s := server.Get(server.Config{
		Auth:  server.DefaultAuthorizer,
		Orch:  orchestrator.New(prints, processor),
		Store: store,
	})

	log.Println("Listening on port 9090")
	log.Fatal(http.ListenAndServe(":9090", handlers.LoggingHandler(os.Stdout, s)))
}

// Run the bundler API server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "shutterbay". You will
// want to copy this binary and add your own authentication scheme.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gorilla/handlers"
	"github.com/shutterbay/bundler/config"
	"github.com/shutterbay/bundler/fingerprint"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/notify"
	"github.com/shutterbay/bundler/orchestrator"
	"github.com/shutterbay/bundler/server"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/setup"
	"github.com/shutterbay/bundler/storage"
)

// getStore picks the archive store from the environment: S3 when
// ARCHIVE_BUCKET is set, an in-memory store otherwise. The in-memory store
// loses archives on restart; it exists for development.
func getStore() storage.Storage {
	bucket := os.Getenv("ARCHIVE_BUCKET")
	if bucket == "" {
		log.Printf("No ARCHIVE_BUCKET configured, storing archives in memory")
		return storage.NewMemoryStore()
	}
	sess := session.Must(session.NewSession())
	return storage.NewS3Store(sess, bucket)
}

func getNotifier() notify.Notifier {
	base := os.Getenv("NOTIFY_URL")
	if base == "" {
		log.Printf("No NOTIFY_URL configured, archive-ready emails are disabled")
		return nil
	}
	password := os.Getenv("NOTIFY_AUTH")
	if password == "" {
		log.Printf("No NOTIFY_AUTH configured, setting an empty password for auth")
	}
	return notify.NewClient("bundler", password, base)
}

func configure() (http.Handler, error) {
	dbConns, err := config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		dbConns = 10
	}

	if err = setup.DB(setup.DefaultConnection, dbConns); err != nil {
		return nil, err
	}

	metrics.Namespace = "bundler.server"
	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	store := getStore()
	builder := &services.Builder{Store: store}
	processor := services.NewBuildProcessor(builder, services.Fanout{
		Notifier: getNotifier(),
		Store:    store,
	})
	prints := fingerprint.NewComputer(fingerprint.CountAndLatest, galleries.AssetSummary, 30*time.Second)

	// If you run this in production, change this user.
	server.AddUser("test", "shutterbay")
	return server.Get(server.Config{
		Auth:  server.DefaultAuthorizer,
		Orch:  orchestrator.New(prints, processor),
		Store: store,
	}), nil
}

func main() {
	s, err := configure()
	if err != nil {
		log.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s)))
}

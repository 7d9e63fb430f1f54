// Claim and run archive build jobs.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/shutterbay/bundler/config"
	"github.com/shutterbay/bundler/notify"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/setup"
	"github.com/shutterbay/bundler/storage"
	"github.com/shutterbay/bundler/worker"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

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

func main() {
	dbConns, err := config.GetInt("PG_WORKER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 20", err)
		dbConns = 20
	}

	err = setup.DB(setup.DefaultConnection, dbConns)
	checkError(err)

	go setup.MeasureActiveQueries(1 * time.Second)
	go setup.MeasureQueueDepth(5 * time.Second)
	go setup.MeasureJobsByStatus(1 * time.Second)

	// Every minute, reclaim jobs whose deadline has passed: release them
	// for another attempt, or fail them if they are out of attempts.
	go services.WatchOverdueJobs(1 * time.Minute)

	// Builds open a lot of connections to the same object store.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	metrics.Namespace = "bundler.worker"
	metrics.Start("worker")

	store := getStore()
	builder := &services.Builder{Store: store}
	processor := services.NewBuildProcessor(builder, services.Fanout{
		Notifier: getNotifier(),
		Store:    store,
	})

	size, err := config.GetInt("WORKER_POOL_SIZE")
	if err != nil {
		size = 4
	}
	pool, err := worker.NewPool("builder", size, processor, services.DefaultDeadline)
	checkError(err)

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
	if err := pool.Shutdown(); err != nil {
		log.Printf("Error shutting down pool: %s\n", err.Error())
	}
	fmt.Println("Pool shut down. Quitting.")
}

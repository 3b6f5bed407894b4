// Command rhythm is the engine's single binary: it can run database
// migrations, serve the admin HTTP API, run a standalone worker, or walk
// through a scripted demo workflow end to end for local experimentation.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rhythmhq/rhythm/examples/tasks"
	"github.com/rhythmhq/rhythm/internal/db"
	"github.com/rhythmhq/rhythm/internal/httpapi"
	"github.com/rhythmhq/rhythm/pkg/client"
	"github.com/rhythmhq/rhythm/pkg/driver"
	"github.com/rhythmhq/rhythm/pkg/registry"
	"github.com/rhythmhq/rhythm/pkg/stdlib"
	"github.com/rhythmhq/rhythm/pkg/worker"
)

func main() {
	initConfig()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rhythm",
	Short: "Rhythm is a durable workflow execution engine on Postgres",
	Long: `Rhythm runs workflows written in a small deterministic DSL, suspending
at every await and resuming exactly once the thing it awaited resolves,
using nothing but Postgres for durability and coordination.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		sqlDB := db.Connect()
		defer sqlDB.Close()
		log.Println("migrations up to date")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP API with an embedded worker",
	Run: func(cmd *cobra.Command, args []string) {
		port := viper.GetString("server.port")
		runServe(port)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a standalone worker process",
	Run: func(cmd *cobra.Command, args []string) {
		queues := viper.GetString("worker.queues")
		concurrency := viper.GetInt("worker.concurrency")
		runWorker(strings.Split(queues, ","), concurrency)
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Register and run the bundled double-it workflow, printing its result",
	Run: func(cmd *cobra.Command, args []string) {
		runDemo()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(demoCmd)

	serveCmd.Flags().StringP("port", "p", "8080", "port to listen on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	workerCmd.Flags().StringP("queues", "q", "default", "comma-separated list of queues to claim work from")
	workerCmd.Flags().IntP("concurrency", "c", 10, "maximum concurrently in-flight executions")
	viper.BindPFlag("worker.queues", workerCmd.Flags().Lookup("queues"))
	viper.BindPFlag("worker.concurrency", workerCmd.Flags().Lookup("concurrency"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.rhythm")
	viper.AddConfigPath("/etc/rhythm")

	viper.SetEnvPrefix("RHYTHM")
	viper.AutomaticEnv()
	viper.BindEnv("server.port", "PORT")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("worker.queues", "default")
	viper.SetDefault("worker.concurrency", 10)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("error reading config file: %v", err)
		}
	}
}

func newRegistry() *registry.Registry {
	reg := registry.New()
	tasks.Register(reg)
	return reg
}

func runServe(port string) {
	sqlDB := db.Connect()
	defer sqlDB.Close()

	c := client.New(sqlDB)
	drv := driver.New(sqlDB, stdlib.New())
	coord := worker.New(sqlDB, drv, newRegistry(), worker.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := coord.Start(ctx); err != nil {
			log.Printf("embedded worker stopped: %v", err)
		}
	}()

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      httpapi.NewRouter(c),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("rhythm serve listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	coord.Stop()
}

func runWorker(queues []string, concurrency int) {
	sqlDB := db.Connect()
	defer sqlDB.Close()

	drv := driver.New(sqlDB, stdlib.New())
	cfg := worker.DefaultConfig()
	cfg.Queues = queues
	cfg.MaxConcurrentSteps = concurrency
	cfg.DSN = os.Getenv("DATABASE_URL")
	coord := worker.New(sqlDB, drv, newRegistry(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("worker shutting down")
		cancel()
	}()

	if err := coord.Start(ctx); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

// runDemo registers examples/tasks' double handler and a workflow that
// awaits it, starts a worker long enough to drive the execution to
// completion, then prints the result. It is a quick way to exercise the
// whole system against a real Postgres without the HTTP layer.
func runDemo() {
	sqlDB := db.Connect()
	defer sqlDB.Close()

	c := client.New(sqlDB)
	if _, err := c.Register(context.Background(), "double-it", `
let r = await Task.run("double", Inputs)
return r
`); err != nil {
		log.Fatalf("register demo workflow: %v", err)
	}

	drv := driver.New(sqlDB, stdlib.New())
	cfg := worker.DefaultConfig()
	cfg.PollInterval = 200 * time.Millisecond
	coord := worker.New(sqlDB, drv, newRegistry(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Start(ctx) }()
	defer coord.Stop()

	id, err := c.EnqueueWorkflow(context.Background(), "double-it", map[string]any{"n": float64(21)})
	if err != nil {
		log.Fatalf("enqueue demo workflow: %v", err)
	}
	log.Printf("started execution %s", id)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := c.GetExecution(context.Background(), id)
		if err != nil {
			log.Fatalf("get execution: %v", err)
		}
		if exec.Status == "completed" || exec.Status == "failed" {
			log.Printf("execution %s finished: status=%s result=%s error=%s", id, exec.Status, exec.Result, exec.Error)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("execution %s did not finish within the demo's 30s window", id)
}

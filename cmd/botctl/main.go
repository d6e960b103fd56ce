package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/billing"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/database"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/webhooklog"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "botctl",
		Short:   "Operator tooling for CourseFox bots",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.SetupEnvFile()
		},
	}

	rootCmd.AddCommand(botsCmd())
	rootCmd.AddCommand(retryWebhooksCmd())
	rootCmd.AddCommand(webhookStatsCmd())
	rootCmd.AddCommand(paymentStatsCmd())
	rootCmd.AddCommand(expirePaymentsCmd())
	rootCmd.AddCommand(queueStatsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services opens the database and builds the pieces the commands share.
// The CLI never starts bots; work that needs a live connection goes through
// the job queue to the server.
type services struct {
	repos    *repository.Repositories
	payments *billing.Service
	webhooks *webhooklog.Service
}

func openServices() *services {
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()
	return &services{
		repos:    repos,
		payments: billing.NewService(repos, nil, nil),
		webhooks: webhooklog.NewService(repos.Webhook, nil, webhooklog.OptionsFromEnv()),
	}
}

func newManager(s *services) *jobqueue.Manager {
	opts := jobqueue.OptionsFromEnv()
	return jobqueue.NewManager(jobqueue.NewQueue(cache.GetClient(), 1), s.webhooks, s.payments, opts)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

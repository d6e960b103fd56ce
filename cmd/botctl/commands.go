package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
)

func botsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "List configured bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")

			s := openServices()
			bots, err := s.repos.Bot.List(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUSERNAME\tCOURSE\tMODE\tACTIVE")
			for _, b := range bots {
				fmt.Fprintf(w, "%d\t%s\t@%s\t%d\t%s\t%t\n", b.ID, b.Name, b.Username, b.CourseID, b.UpdateMode, b.IsActive)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("offset", 0, "Skip this many bots")
	cmd.Flags().IntP("limit", "n", 50, "Maximum bots to list")
	return cmd
}

func retryWebhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-webhooks",
		Short: "Queue a retry sweep of failed webhook events",
		Long: `Queues a webhook retry job for the server's workers. Only the server
holds live bot connections, so the sweep cannot run in this process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, _ := cmd.Flags().GetUint("bot")
			wait, _ := cmd.Flags().GetDuration("wait")

			payload := jobqueue.WebhookRetryJobPayload{}
			if botID > 0 {
				payload.BotID = &botID
			}
			manager := newManager(openServices())
			job, err := manager.Enqueue(cmd.Context(), jobqueue.JobTypeWebhookRetry, payload.ToMap())
			if err != nil {
				return fmt.Errorf("queue retry: %w", err)
			}
			fmt.Printf("queued job %s\n", job.ID)
			if wait <= 0 {
				return nil
			}
			done, err := awaitJob(cmd.Context(), manager.GetQueue(), job.ID, wait)
			if err != nil {
				return err
			}
			return printJSON(done)
		},
	}
	cmd.Flags().Uint("bot", 0, "Only retry this bot's events")
	cmd.Flags().Duration("wait", 0, "Wait up to this long for the result")
	return cmd
}

// awaitJob polls until the job reaches a terminal status.
func awaitJob(ctx context.Context, queue *jobqueue.Queue, id string, wait time.Duration) (*jobqueue.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := queue.GetJob(ctx, id)
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if job != nil && (job.Status == jobqueue.JobStatusCompleted || (job.Status == jobqueue.JobStatusFailed && !job.IsRetryable())) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s not finished: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func webhookStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook-stats",
		Short: "Count a bot's webhook events by status and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, _ := cmd.Flags().GetUint("bot")
			window, _ := cmd.Flags().GetDuration("window")
			stats, err := openServices().webhooks.GetStats(cmd.Context(), botID, window)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().Uint("bot", 0, "Bot id")
	cmd.Flags().Duration("window", 24*time.Hour, "Trailing window")
	_ = cmd.MarkFlagRequired("bot")
	return cmd
}

func paymentStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment-stats",
		Short: "Aggregate a bot's payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, _ := cmd.Flags().GetUint("bot")
			period, _ := cmd.Flags().GetDuration("period")
			stats, err := openServices().payments.GetBotPaymentStats(cmd.Context(), botID, period)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().Uint("bot", 0, "Bot id")
	cmd.Flags().Duration("period", 30*24*time.Hour, "Trailing period")
	_ = cmd.MarkFlagRequired("bot")
	return cmd
}

func expirePaymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire-payments",
		Short: "Cancel pending payments older than the TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			payload := jobqueue.PaymentExpiryJobPayload{TTLSeconds: int64(ttl / time.Second)}
			result, err := newManager(openServices()).RunOnce(cmd.Context(), jobqueue.JobTypePaymentExpiry, payload.ToMap())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().Duration("ttl", 0, "Pending age to expire (default PAYMENT_PENDING_TTL)")
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Show job queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := newManager(openServices()).GetQueue()
			ctx := cmd.Context()
			stats, err := queue.GetJobStats(ctx)
			if err != nil {
				return err
			}
			pending, err := queue.GetQueueSize(ctx)
			if err != nil {
				return err
			}
			processing, err := queue.GetProcessingSize(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"stats":      stats,
				"pending":    pending,
				"processing": processing,
			})
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/kafka"
)

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "guild-rank-changes", "Audit topic")
	group := flag.String("group", "ranksync-audit-tail", "Consumer group ID")
	fromStart := flag.Bool("from-start", false, "Read the topic from the beginning")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Rank Sync Audit Tail")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:    %s\n", *brokers)
	fmt.Printf("  Topic:      %s\n", *topic)
	fmt.Printf("  Group:      %s\n", *group)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	if *fromStart {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	consumerGroup, err := sarama.NewConsumerGroup(brokerList, *group, config)
	if err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	defer consumerGroup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for err := range consumerGroup.Errors() {
			log.Printf("Consumer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	handler := &tailHandler{}
	for ctx.Err() == nil {
		if err := consumerGroup.Consume(ctx, []string{*topic}, handler); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Consume error: %v", err)
			time.Sleep(time.Second)
		}
	}
}

// tailHandler prints each audit event as it arrives
type tailHandler struct{}

func (h *tailHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *tailHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *tailHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		printEvent(message.Value)
		session.MarkMessage(message, "")
	}
	return nil
}

func printEvent(raw []byte) {
	var event kafka.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Printf("Skipping malformed event: %v", err)
		return
	}

	stamp := event.Timestamp.Format("15:04:05")

	switch event.Type {
	case kafka.EventChangeRecord:
		var record domain.ChangeRecord
		if err := json.Unmarshal(event.Data, &record); err != nil {
			log.Printf("Skipping malformed change record: %v", err)
			return
		}
		line := fmt.Sprintf("[%s] %-7s %s (%s)", stamp, record.Outcome, record.UserID, record.Username)
		if record.PreviousRank != record.NewRank {
			line += fmt.Sprintf("  %s → %s", displayRank(record.PreviousRank), displayRank(record.NewRank))
		}
		if len(record.Delta.Add) > 0 {
			line += fmt.Sprintf("  +%v", record.Delta.Add)
		}
		if len(record.Delta.Remove) > 0 {
			line += fmt.Sprintf("  -%v", record.Delta.Remove)
		}
		if record.FailureReason != "" {
			line += fmt.Sprintf("  (%s)", record.FailureReason)
		}
		fmt.Println(line)

	case kafka.EventBatchSummary:
		var summary domain.BatchSummary
		if err := json.Unmarshal(event.Data, &summary); err != nil {
			log.Printf("Skipping malformed batch summary: %v", err)
			return
		}
		fmt.Printf("[%s] ━━ run %s: %d accounts, %d applied, %d skipped, %d failed, %d rate-limit events (%.1fs)\n",
			stamp,
			summary.Trigger,
			len(summary.Records),
			summary.Count(domain.OutcomeApplied),
			summary.Count(domain.OutcomeSkipped),
			summary.Count(domain.OutcomeFailed),
			summary.RateLimitEvents,
			summary.FinishedAt.Sub(summary.StartedAt).Seconds(),
		)

	default:
		fmt.Printf("[%s] %s %s\n", stamp, event.Type, string(event.Data))
	}
}

func displayRank(r domain.Rank) string {
	if r == "" {
		return "(none)"
	}
	return r.Display()
}

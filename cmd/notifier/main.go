package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Oniqq60/task_system_control/settlement/internal/cfg"
	"github.com/Oniqq60/task_system_control/settlement/internal/notification"
)

func main() {
	conf := cfg.LoadConfig()
	logger := log.New(os.Stdout, "[notifier] ", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokers := splitCSV(conf.KafkaBrokers)
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS must be set")
	}
	if conf.KafkaTopic == "" {
		logger.Fatal("KAFKA_TOPIC must be set")
	}

	handler := notification.NewEventHandler(notification.NewLogNotifier(logger))
	consumer := notification.NewKafkaConsumer(brokers, conf.KafkaTopic, conf.KafkaGroupID, handler, logger)
	defer consumer.Close()

	errCh := make(chan error, 1)

	go func() {
		errCh <- consumer.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Println("shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Printf("consumer error: %v", err)
		}
	}

	logger.Println("notifier stopped")
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

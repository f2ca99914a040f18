package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/cfg"
	"github.com/Oniqq60/task_system_control/settlement/internal/cli"
	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conf := cfg.LoadConfig()

	conn, err := grpc.NewClient(conf.SettlementGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to settlement service: %w", err)
	}
	defer conn.Close()
	cli.Settlement = settlement.NewGrpcClient(conn).WithToken(conf.SettlementToken)

	// mongo.Connect does not dial until the first operation
	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(conf.MongoURI))
	if err != nil {
		return fmt.Errorf("connecting to audit store: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	cli.History = audit.NewMongoJournal(mongoClient.Database(conf.MongoDatabase).Collection(conf.MongoCollection))

	return cli.Execute()
}

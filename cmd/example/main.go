// Command example registers a few tasks and runs them through taskhawk.
//
//	taskhawk-example demo                       # in-process publish and consume
//	taskhawk-example listen --provider nsq ...  # consume from a real broker
//
// Deployed as an AWS Lambda function subscribed to the SNS topics, it
// processes SNS events instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/austindbirch/taskhawk"
	awsbackend "github.com/austindbirch/taskhawk/backend/aws"
	"github.com/austindbirch/taskhawk/cmd/taskhawk/cmd"
	"github.com/austindbirch/taskhawk/internal/config"
	"github.com/austindbirch/taskhawk/internal/logging"
)

func main() {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		consumer, err := newLambdaConsumer(context.Background())
		if err != nil {
			logging.Plain().WithError(err).Fatal("Failed to set up Lambda consumer")
		}
		consumer.Start()
		return
	}

	rootCmd := cmd.NewRootCmd(cmd.App{
		Name: "taskhawk-example",
		Register: func(hub *taskhawk.Hub) error {
			_, err := registerTasks(hub, newActivity())
			return err
		},
	})
	rootCmd.AddCommand(newDemoCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLambdaConsumer builds a hub from TASKHAWK_ environment settings. The
// provider publishes any tasks the example tasks dispatch in turn.
func newLambdaConsumer(ctx context.Context) (*awsbackend.LambdaConsumer, error) {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.AppName)

	provider, err := awsbackend.NewProvider(ctx, cfg.Queue, awsbackend.Options{
		Region:       cfg.AWS.Region,
		AccountID:    cfg.AWS.AccountID,
		AccessKey:    cfg.AWS.AccessKey,
		SecretKey:    cfg.AWS.SecretKey,
		SessionToken: cfg.AWS.SessionToken,
		SNSEndpoint:  cfg.AWS.SNSEndpoint,
		SQSEndpoint:  cfg.AWS.SQSEndpoint,
	})
	if err != nil {
		return nil, err
	}
	hub, err := taskhawk.NewHub(taskhawk.Config{Queue: cfg.Queue, Logger: logger}, nil, provider)
	if err != nil {
		return nil, err
	}
	if _, err := registerTasks(hub, newActivity()); err != nil {
		return nil, fmt.Errorf("register tasks: %w", err)
	}
	return awsbackend.NewLambdaConsumer(hub), nil
}

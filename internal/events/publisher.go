// Package events announces terminal item transitions on an SQS queue.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"yoma-reconciler/internal/models"
)

// SQSAPI is the part of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends one message per transition.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{SQS: client, QueueURL: queueURL}
}

// NewSQSPublisher loads the default AWS configuration for region.
func NewSQSPublisher(ctx context.Context, region, queueURL string) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewPublisher(sqs.NewFromConfig(cfg), queueURL), nil
}

// Publish sends t as JSON. Job and target status travel as attributes so consumers can
// filter without decoding the body.
func (p *Publisher) Publish(ctx context.Context, t models.Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"job":    stringAttribute(t.Job),
			"status": stringAttribute(t.To),
		},
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func stringAttribute(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

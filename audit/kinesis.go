package audit

import (
	"context"
	"encoding/json"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/Financial-Times/go-logger"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/pkg/errors"
)

type KinesisPublisher struct {
	streamName string
	svc        kinesisiface.KinesisAPI
}

func NewKinesisPublisher(streamName string, region string) (*KinesisPublisher, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:     aws.String(region),
		MaxRetries: aws.Int(2),
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create AWS session")
	}
	svc := kinesis.New(sess)

	if _, err := svc.DescribeStream(&kinesis.DescribeStreamInput{StreamName: aws.String(streamName)}); err != nil {
		logger.WithError(err).Error("Cannot connect to Kinesis audit stream")
		return nil, err
	}
	return newKinesisPublisher(streamName, svc), nil
}

func newKinesisPublisher(streamName string, svc kinesisiface.KinesisAPI) *KinesisPublisher {
	return &KinesisPublisher{streamName: streamName, svc: svc}
}

func (p *KinesisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = p.svc.PutRecordWithContext(ctx, &kinesis.PutRecordInput{
		Data:         data,
		StreamName:   aws.String(p.streamName),
		PartitionKey: aws.String(e.ID),
	})
	return err
}

func (p *KinesisPublisher) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:               "access-audit-stream-check",
		Name:             "Check connectivity to the Kinesis access audit stream",
		BusinessImpact:   "Study access attempts are not recorded in the audit trail",
		Severity:         2,
		PanicGuide:       "https://github.com/patient-imaging/study-access-broker#access-audit",
		TechnicalSummary: `Cannot connect to the Kinesis audit stream. If this check fails, check that Amazon Kinesis is available and AUDIT_STREAM_NAME is correct`,
		Timeout:          10 * time.Second,
		Checker: func() (string, error) {
			_, err := p.svc.DescribeStream(&kinesis.DescribeStreamInput{
				StreamName: aws.String(p.streamName),
			})
			if err != nil {
				return "Cannot connect to Kinesis stream", err
			}
			return "", nil
		},
	}
}

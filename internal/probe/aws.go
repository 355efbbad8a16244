package probe

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/smithy-go"

	"github.com/argusmon/argus/internal/models"
)

// CloudWatchAPI is the slice of the CloudWatch client the probe uses.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// AWSProbe reads the latest CloudWatch datapoint for a metric.
type AWSProbe struct {
	mu        sync.Mutex
	clients   map[string]CloudWatchAPI
	newClient func(ctx context.Context, check *models.AWSCheck) (CloudWatchAPI, error)
}

// NewAWSProbe builds a probe backed by real CloudWatch clients, one per
// (region, key) pair.
func NewAWSProbe() *AWSProbe {
	return &AWSProbe{
		clients:   make(map[string]CloudWatchAPI),
		newClient: defaultCloudWatchClient,
	}
}

func defaultCloudWatchClient(ctx context.Context, check *models.AWSCheck) (CloudWatchAPI, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(check.Region),
	}
	if check.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(check.AccessKeyID, check.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return cloudwatch.NewFromConfig(cfg), nil
}

func (p *AWSProbe) clientFor(ctx context.Context, check *models.AWSCheck) (CloudWatchAPI, error) {
	key := check.Region + "/" + check.AccessKeyID
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.newClient(ctx, check)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

func (p *AWSProbe) Check(ctx context.Context, mon *models.Monitor) *models.Sample {
	started := time.Now()

	check := mon.Check.AWS
	if check == nil {
		return errorSample(mon, started, KindTerminal, "aws check config missing")
	}

	client, err := p.clientFor(ctx, check)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "cloudwatch client: %v", err)
	}

	end := time.Now()
	start := end.Add(-mon.Period())
	out, err := client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(check.Service),
		MetricName: aws.String(check.MetricName),
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(60),
		Statistics: []cwtypes.Statistic{cwtypes.Statistic(check.Stat())},
		Dimensions: []cwtypes.Dimension{{
			Name:  aws.String(check.Dimension()),
			Value: aws.String(check.ResourceID),
		}},
	})
	if err != nil {
		return errorSample(mon, started, awsErrorKind(err), "cloudwatch %s/%s: %v",
			check.Service, check.MetricName, err)
	}
	if len(out.Datapoints) == 0 {
		return errorSample(mon, started, KindTransient, "no datapoints for %s/%s in the last %s",
			check.Service, check.MetricName, mon.Period())
	}

	dps := out.Datapoints
	sort.Slice(dps, func(i, j int) bool {
		return aws.ToTime(dps[i].Timestamp).Before(aws.ToTime(dps[j].Timestamp))
	})
	latest := dps[len(dps)-1]

	value, ok := datapointValue(latest, check.Stat())
	if !ok {
		return errorSample(mon, started, KindTransient, "datapoint has no %s statistic", check.Stat())
	}

	md := models.Metadata{
		"namespace":   check.Service,
		"metric_name": check.MetricName,
		"region":      check.Region,
		"datapoints":  len(dps),
		"unit":        string(latest.Unit),
	}
	return valueSample(mon, started, value, md)
}

func datapointValue(dp cwtypes.Datapoint, stat string) (float64, bool) {
	var v *float64
	switch stat {
	case "Sum":
		v = dp.Sum
	case "Maximum":
		v = dp.Maximum
	case "Minimum":
		v = dp.Minimum
	case "SampleCount":
		v = dp.SampleCount
	default:
		v = dp.Average
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// awsErrorKind treats credential and permission rejections as terminal.
func awsErrorKind(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnrecognizedClientException",
			"InvalidClientTokenId", "AuthFailure", "ExpiredToken":
			return KindTerminal
		}
	}
	return KindTransient
}

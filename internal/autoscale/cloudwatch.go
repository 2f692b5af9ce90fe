package autoscale

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client the metric source
// needs.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CloudWatchSource observes service utilization as the average of the most
// recent datapoints over the lookback window.
type CloudWatchSource struct {
	api      CloudWatchAPI
	lookback time.Duration
	period   time.Duration
}

func NewCloudWatchSource(api CloudWatchAPI) *CloudWatchSource {
	return &CloudWatchSource{api: api, lookback: 5 * time.Minute, period: time.Minute}
}

// NewCloudWatchSourceFromEnv builds a source on the default AWS config chain.
func NewCloudWatchSourceFromEnv(ctx context.Context) (*CloudWatchSource, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCloudWatchSource(cloudwatch.NewFromConfig(cfg)), nil
}

func (s *CloudWatchSource) Observe(ctx context.Context, spec MetricSpec) (float64, error) {
	end := time.Now().UTC()
	out, err := s.api.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(spec.Namespace),
		MetricName: aws.String(spec.Name),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("ClusterName"), Value: aws.String(spec.Cluster)},
			{Name: aws.String("ServiceName"), Value: aws.String(spec.Service)},
		},
		StartTime:  aws.Time(end.Add(-s.lookback)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(int32(s.period / time.Second)),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("get metric statistics: %w", err)
	}
	if len(out.Datapoints) == 0 {
		return 0, fmt.Errorf("no datapoints for %s/%s on %s/%s", spec.Namespace, spec.Name, spec.Cluster, spec.Service)
	}

	// Average the window rather than trusting a single noisy point.
	var sum float64
	for _, dp := range out.Datapoints {
		sum += aws.ToFloat64(dp.Average)
	}
	return sum / float64(len(out.Datapoints)), nil
}

package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
)

const defaultLogGroup = "Distributed_System_Logs"

// CloudWatchSink forwards log records to an AWS CloudWatch Logs stream,
// named `Node_<id>` inside a shared log group. Gated by the USE_CLOUDWATCH
// environment variable; console logging remains authoritative and a push
// failure here never propagates, it is only printed to stderr, matching
// original_source/cloudwatch_logger.py's swallow-and-continue policy.
type CloudWatchSink struct {
	client         *cloudwatchlogs.CloudWatchLogs
	logGroup       string
	logStream      string
	mu             sync.Mutex
	sequenceToken  *string
	disabledReason string
}

// NewCloudWatchSink creates a sink for nodeID if USE_CLOUDWATCH is truthy;
// otherwise it returns nil, nil so callers can skip attaching it.
func NewCloudWatchSink(nodeID int) (*CloudWatchSink, error) {
	if !enabled() {
		return nil, nil
	}

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	s := &CloudWatchSink{
		client:    cloudwatchlogs.New(sess),
		logGroup:  defaultLogGroup,
		logStream: fmt.Sprintf("Node_%d", nodeID),
	}

	if _, err := s.client.CreateLogGroup(&cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.logGroup),
	}); err != nil {
		if !isResourceAlreadyExists(err) {
			fmt.Fprintf(os.Stderr, "CLOUDWATCH ERROR: create log group: %v\n", err)
		}
	}

	if _, err := s.client.CreateLogStream(&cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
	}); err != nil {
		if !isResourceAlreadyExists(err) {
			fmt.Fprintf(os.Stderr, "CLOUDWATCH ERROR: create log stream: %v\n", err)
		}
	}

	return s, nil
}

func enabled() bool {
	v := os.Getenv("USE_CLOUDWATCH")
	return v == "1" || v == "true" || v == "True" || v == "TRUE"
}

func isResourceAlreadyExists(err error) bool {
	_, ok := err.(*cloudwatchlogs.ResourceAlreadyExistsException)
	return ok
}

// Push forwards a single record to CloudWatch in the background; failures
// are logged to stderr and otherwise swallowed.
func (s *CloudWatchSink) Push(record map[string]interface{}) {
	if s == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CLOUDWATCH ERROR: marshal record: %v\n", err)
		return
	}
	go s.send(string(data))
}

func (s *CloudWatchSink) send(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
		LogEvents: []*cloudwatchlogs.InputLogEvent{
			{
				Timestamp: aws.Int64(time.Now().UnixMilli()),
				Message:   aws.String(message),
			},
		},
		SequenceToken: s.sequenceToken,
	}

	out, err := s.client.PutLogEvents(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CLOUDWATCH ERROR: %v\n", err)
		return
	}
	s.sequenceToken = out.NextSequenceToken
}

func (s *CloudWatchSink) Close() {}

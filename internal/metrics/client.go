package metrics

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

// Connect builds a CloudWatch client from the ambient AWS configuration.
func Connect(ctx context.Context) (API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return cloudwatch.NewFromConfig(cfg), nil
}

package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// NewSESClient returns an SES client for region. Sender accounts may live in
// different regions, so callers cache one client per region.
func NewSESClient(ctx context.Context, region string) (*ses.Client, error) {
	cfg, err := LoadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return ses.NewFromConfig(cfg), nil
}

package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

type fakeHub struct {
	pages  []*securityhub.GetFindingsOutput
	inputs []*securityhub.GetFindingsInput
	err    error
}

func (f *fakeHub) GetFindings(_ context.Context, in *securityhub.GetFindingsInput, _ ...func(*securityhub.Options)) (*securityhub.GetFindingsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[len(f.inputs)-1]
	return page, nil
}

func hubFinding(id, account, label string) types.AwsSecurityFinding {
	return types.AwsSecurityFinding{
		Id:           aws.String(id),
		Title:        aws.String("S3 bucket is public"),
		AwsAccountId: aws.String(account),
		Region:       aws.String("us-east-1"),
		GeneratorId:  aws.String("aws-foundational-security-best-practices/v/1.0.0/S3.2"),
		Severity:     &types.Severity{Label: types.SeverityLabel(label)},
		Workflow:     &types.Workflow{Status: types.WorkflowStatusNew},
		Resources:    []types.Resource{{Id: aws.String("arn:aws:s3:::bucket"), Type: aws.String("AwsS3Bucket")}},
	}
}

func TestFindings_Paginates(t *testing.T) {
	hub := &fakeHub{pages: []*securityhub.GetFindingsOutput{
		{Findings: []types.AwsSecurityFinding{hubFinding("f1", "111122223333", "HIGH")}, NextToken: aws.String("next")},
		{Findings: []types.AwsSecurityFinding{hubFinding("f2", "444455556666", "INFORMATIONAL")}},
	}}
	p := newSecurityHubProvider(hub, scoring.Medium)

	findings, err := p.Findings(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Len(t, hub.inputs, 2)
	assert.Equal(t, "next", aws.ToString(hub.inputs[1].NextToken))

	assert.Equal(t, "aws:111122223333", findings[0].Account.String())
	assert.Equal(t, scoring.High, findings[0].Severity)
	assert.Equal(t, "AwsS3Bucket", findings[0].ResourceType)
	assert.Equal(t, "NEW", findings[0].Status)
	assert.Equal(t, scoring.Info, findings[1].Severity)
}

func TestFindings_Error(t *testing.T) {
	p := newSecurityHubProvider(&fakeHub{err: errors.New("throttled")}, scoring.High)
	_, err := p.Findings(context.Background())
	assert.ErrorContains(t, err, "throttled")
}

func TestFindingFilters(t *testing.T) {
	labels := func(min scoring.Severity) []string {
		var out []string
		for _, f := range findingFilters(min).SeverityLabel {
			out = append(out, aws.ToString(f.Value))
		}
		return out
	}
	assert.Equal(t, []string{"CRITICAL", "HIGH", "MEDIUM"}, labels(scoring.Medium))
	assert.Equal(t, []string{"CRITICAL", "HIGH", "MEDIUM", "LOW", "INFORMATIONAL"}, labels(scoring.Info))
	assert.Len(t, findingFilters(scoring.Critical).WorkflowStatus, 2)
}

func TestToFinding_MissingOptionalFields(t *testing.T) {
	f := toFinding(types.AwsSecurityFinding{Id: aws.String("f"), AwsAccountId: aws.String("1")})
	assert.Equal(t, scoring.Info, f.Severity)
	assert.Empty(t, f.ResourceID)
	assert.Empty(t, f.Status)
}

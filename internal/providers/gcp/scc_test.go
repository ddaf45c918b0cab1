package gcp

import (
	"testing"

	"cloud.google.com/go/securitycenter/apiv1/securitycenterpb"
	"github.com/stretchr/testify/assert"

	"github.com/lvonguyen/cspm-aggregator/internal/scoring"
)

func TestExtractProjectID(t *testing.T) {
	assert.Equal(t, "my-proj", extractProjectID("//compute.googleapis.com/projects/my-proj/zones/us-central1-a/instances/42"))
	assert.Equal(t, "p2", extractProjectID("//cloudresourcemanager.googleapis.com/projects/p2"))
	assert.Empty(t, extractProjectID("//storage.googleapis.com/bucket"))
}

func TestFindingFilter(t *testing.T) {
	assert.Equal(t, `state="ACTIVE" AND (severity="CRITICAL" OR severity="HIGH")`, findingFilter(scoring.High))
	assert.Equal(t, `state="ACTIVE"`, findingFilter(scoring.Info))
}

func TestToFinding(t *testing.T) {
	f := toFinding("123", &securitycenterpb.Finding{
		Name:         "organizations/123/sources/9/findings/abc",
		Parent:       "organizations/123/sources/9",
		Category:     "PUBLIC_BUCKET_ACL",
		ResourceName: "//storage.googleapis.com/projects/web-prod/buckets/assets",
		Severity:     securitycenterpb.Finding_HIGH,
		State:        securitycenterpb.Finding_ACTIVE,
	}, "")

	assert.Equal(t, "gcp:123:web-prod", f.Account.String())
	assert.Equal(t, scoring.High, f.Severity)
	assert.Equal(t, "ACTIVE", f.Status)
	assert.Equal(t, "PUBLIC_BUCKET_ACL", f.Control)
	assert.Equal(t, "storage.googleapis.com", f.ResourceType)

	unspecified := toFinding("123", &securitycenterpb.Finding{ResourceName: "//storage.googleapis.com/bucket"}, "fallback")
	assert.Equal(t, scoring.Info, unspecified.Severity)
	assert.Equal(t, "gcp:123:fallback", unspecified.Account.String())
}

package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/api/reports/1234", "/api/reports/:n"},
		{"/api/tenants/0f8fad5b-d9cb-469f-a165-70867728950e/users", "/api/tenants/:id/users"},
		{"/api/objects/deadbeefcafe", "/api/objects/:hex"},
		{"/API/Reports", "/api/reports"},
		{"/api/reports/1234?page=2", "/api/reports/:n"},
		{"/", "/"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizePath(tc.path))
		})
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		method   string
		path     string
		expected Priority
	}{
		{"GET", "/health", PriorityCritical},
		{"GET", "/healthz", PriorityCritical},
		{"GET", "/api/ready", PriorityCritical},
		{"POST", "/api/auth/login", PriorityHigh},
		{"POST", "/api/billing/charge", PriorityHigh},
		{"GET", "/api/billing/invoices", PriorityNormal},
		{"DELETE", "/api/admin/tenants/42", PriorityHigh},
		{"GET", "/api/admin/settings", PriorityNormal},
		{"GET", "/api/reports/1234", PriorityNormal},
		{"POST", "/api/invoices", PriorityHigh},
		{"DELETE", "/api/invoices/9", PriorityHigh},
		{"OPTIONS", "/api/invoices", PriorityLow},
		{"TRACE", "/anything", PriorityLow},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, c.Classify(tc.method, tc.path))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier()
	first := c.Classify("POST", "/api/billing/charge")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, c.Classify("POST", "/api/billing/charge"))
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(42).String())
	assert.True(t, PriorityNormal.Valid())
	assert.False(t, Priority(42).Valid())
}

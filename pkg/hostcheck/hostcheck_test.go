package hostcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	healthy := Host{LogicalCPUs: 64, MemTotalGB: 256, MemAvailGB: 200, DiskPath: "/data", DiskFreeGB: 500}

	tests := []struct {
		name       string
		host       Host
		processors int
		want       []string
	}{
		{name: "fits", host: healthy, processors: 20},
		{
			name:       "oversubscribed",
			host:       Host{LogicalCPUs: 8, MemTotalGB: 64, MemAvailGB: 32},
			processors: 20,
			want:       []string{"cpu"},
		},
		{
			name:       "busy host",
			host:       Host{LogicalCPUs: 32, Load1: 24, MemTotalGB: 64, MemAvailGB: 32},
			processors: 20,
			want:       []string{"load"},
		},
		{
			name:       "low memory and disk",
			host:       Host{LogicalCPUs: 32, MemTotalGB: 16, MemAvailGB: 2, DiskPath: "/out", DiskFreeGB: 3},
			processors: 4,
			want:       []string{"memory", "disk"},
		},
		{
			name:       "unknown memory is not flagged",
			host:       Host{LogicalCPUs: 32},
			processors: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, w := range Check(tt.host, tt.processors) {
				got = append(got, w.Resource)
				assert.NotEmpty(t, w.Message)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSample(t *testing.T) {
	h, err := Sample(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, h.LogicalCPUs)
	assert.NotEmpty(t, h.DiskPath)
}

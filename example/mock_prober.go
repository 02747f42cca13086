package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/edgemon/edgemon/internal/prober"
)

// mockProber produces synthetic measurements so the demo runs without
// the real scanner binary or any network traffic.
type mockProber struct{}

func synthetic(address string) prober.Measurement {
	return prober.Measurement{
		Address:      address,
		DownloadMbps: 5 + rand.Float64()*45,
		UploadMbps:   1 + rand.Float64()*10,
		LatencyMs:    20 + rand.Float64()*400,
		LossRate:     rand.Float64() * 0.3,
	}
}

func (mockProber) BulkScan(ctx context.Context, c prober.Criteria) ([]prober.Measurement, error) {
	var out []prober.Measurement
	for i := 1; i <= 30; i++ {
		out = append(out, synthetic(fmt.Sprintf("203.0.113.%d", i)))
	}
	return out, nil
}

func (mockProber) BatchTest(ctx context.Context, addresses []string, c prober.Criteria) ([]prober.Measurement, error) {
	var out []prober.Measurement
	for _, a := range addresses {
		out = append(out, synthetic(a))
	}
	return out, nil
}

// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/xmidt-org/hermes/model"
)

// sampleRecords builds the demonstration telemetry batch: n readings
// with creation timestamps staggered two minutes apart, oldest first.
// The iothub-app-iothub-creation-time-utc property lets the ingestion
// time be overridden with the supplied timestamp; other application
// properties could be attached the same way.
func sampleRecords(now time.Time, n int) []model.TelemetryRecord {
	records := make([]model.TelemetryRecord, 0, n)
	for i := 0; i < n; i++ {
		created := now.Add(-2 * time.Duration(n-1-i) * time.Minute).UTC()
		records = append(records, model.TelemetryRecord{
			Fields: map[string]interface{}{
				"temp":     10 * (i + 1),
				"humidity": 70 + 10*i,
			},
			Properties: map[string]string{
				"iothub-app-iothub-creation-time-utc": created.Format(time.RFC3339),
			},
		})
	}
	return records
}

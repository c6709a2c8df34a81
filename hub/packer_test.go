// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/hermes/model"
)

type flushCapture struct {
	Payload []byte
	Start   int
	Count   int
}

func captureFlushes(captures *[]flushCapture) flushFunc {
	return func(_ context.Context, payload []byte, start, count int) error {
		p := make([]byte, len(payload))
		copy(p, payload)
		*captures = append(*captures, flushCapture{Payload: p, Start: start, Count: count})
		return nil
	}
}

func numberedRecords(n int) []model.TelemetryRecord {
	records := make([]model.TelemetryRecord, n)
	for i := range records {
		records[i] = model.TelemetryRecord{
			Fields: map[string]interface{}{"seq": i, "temp": 10 * (i + 1)},
		}
	}
	return records
}

func identicalRecords(n int) []model.TelemetryRecord {
	records := make([]model.TelemetryRecord, n)
	for i := range records {
		records[i] = model.TelemetryRecord{
			Fields: map[string]interface{}{"temp": 21, "humidity": 55},
		}
	}
	return records
}

func TestPackRecordsPartition(t *testing.T) {
	type testCase struct {
		Description string
		Records     []model.TelemetryRecord
		MaxBytes    int
	}

	tcs := []testCase{
		{
			Description: "Single record",
			Records:     numberedRecords(1),
			MaxBytes:    DefaultMaxBatchBytes,
		},
		{
			Description: "Everything in one batch",
			Records:     numberedRecords(6),
			MaxBytes:    DefaultMaxBatchBytes,
		},
		{
			Description: "Tight budget forces many batches",
			Records:     numberedRecords(25),
			MaxBytes:    300,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			var (
				assert  = assert.New(t)
				require = require.New(t)
			)

			var captures []flushCapture
			err := packRecords(context.Background(), tc.Records, tc.MaxBytes, captureFlushes(&captures))
			require.Nil(err)
			require.NotEmpty(captures)

			// the emitted ranges cover the input contiguously and in order
			next := 0
			for _, c := range captures {
				assert.Equal(next, c.Start)
				next += c.Count

				require.True(json.Valid(c.Payload))
				var elements []json.RawMessage
				require.Nil(json.Unmarshal(c.Payload, &elements))
				assert.Equal(c.Count, len(elements))
			}
			assert.Equal(len(tc.Records), next)

			// only a batch of one may exceed the budget
			for _, c := range captures {
				if c.Count > 1 {
					assert.Less(len(c.Payload), tc.MaxBytes)
				}
			}
		})
	}
}

func TestPackRecordsBoundary(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	records := identicalRecords(6)
	chunk, err := encodeRecord(&records[0])
	require.Nil(err)

	// three chunks fill "[a,b,c]" exactly; a fourth would overflow
	maxBytes := 4*len(chunk) + 5

	var captures []flushCapture
	err = packRecords(context.Background(), records, maxBytes, captureFlushes(&captures))
	require.Nil(err)

	require.Len(captures, 2)
	assert.Equal(0, captures[0].Start)
	assert.Equal(3, captures[0].Count)
	assert.Equal(3, captures[1].Start)
	assert.Equal(3, captures[1].Count)
}

func TestPackRecordsOversized(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	pad := make([]byte, 400)
	for i := range pad {
		pad[i] = 'x'
	}
	records := []model.TelemetryRecord{
		{Fields: map[string]interface{}{"temp": 1}},
		{Fields: map[string]interface{}{"blob": string(pad)}},
		{Fields: map[string]interface{}{"temp": 2}},
	}

	var captures []flushCapture
	err := packRecords(context.Background(), records, 200, captureFlushes(&captures))
	require.Nil(err)

	// the oversized record travels alone, without an empty batch before it
	require.Len(captures, 3)
	for i, c := range captures {
		assert.Equal(i, c.Start)
		assert.Equal(1, c.Count)
	}
	assert.Greater(len(captures[1].Payload), 200)
}

func TestPackRecordsEmptyInput(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	var captures []flushCapture
	err := packRecords(context.Background(), nil, DefaultMaxBatchBytes, captureFlushes(&captures))
	require.Nil(err)

	require.Len(captures, 1)
	assert.Equal("[]", string(captures[0].Payload))
	assert.Zero(captures[0].Start)
	assert.Zero(captures[0].Count)
}

func TestPackRecordsFlushError(t *testing.T) {
	assert := assert.New(t)

	expectedErr := fmt.Errorf("endpoint unreachable")
	err := packRecords(context.Background(), numberedRecords(2), DefaultMaxBatchBytes,
		func(context.Context, []byte, int, int) error { return expectedErr })
	assert.Equal(expectedErr, err)
}

func TestEncodeRecord(t *testing.T) {
	type testCase struct {
		Description        string
		Record             model.TelemetryRecord
		ExpectedBody       string
		ExpectedProperties map[string]string
	}

	tcs := []testCase{
		{
			Description: "Fields only",
			Record: model.TelemetryRecord{
				Fields: map[string]interface{}{"temp": 21, "humidity": 55},
			},
			ExpectedBody: `{"humidity":55,"temp":21}`,
			ExpectedProperties: map[string]string{
				"$.ct": "application%2Fjson",
				"$.ce": "utf-8",
			},
		},
		{
			Description: "Custom properties merged with the content markers",
			Record: model.TelemetryRecord{
				Fields: map[string]interface{}{"temp": 21},
				Properties: map[string]string{
					"iothub-app-source": "unit",
					"$.ct":              "text/plain",
				},
			},
			ExpectedBody: `{"temp":21}`,
			ExpectedProperties: map[string]string{
				"iothub-app-source": "unit",
				"$.ct":              "application%2Fjson",
				"$.ce":              "utf-8",
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			var (
				assert  = assert.New(t)
				require = require.New(t)
			)

			encoded, err := encodeRecord(&tc.Record)
			require.Nil(err)

			var chunk batchChunk
			require.Nil(json.Unmarshal(encoded, &chunk))

			body, err := base64.StdEncoding.DecodeString(chunk.Body)
			require.Nil(err)
			assert.Equal(tc.ExpectedBody, string(body))
			assert.Equal(tc.ExpectedProperties, chunk.Properties)
		})
	}
}

// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/xmidt-org/hermes/model"
)

// DefaultMaxBatchBytes leaves one KiB of header and delimiter margin
// under the ingestion endpoint's 256 KiB message limit.
const DefaultMaxBatchBytes = 255 * 1024

// Fixed system properties attached to every encoded record.
const (
	contentTypeProperty     = "$.ct"
	contentEncodingProperty = "$.ce"
	contentEncoding         = "utf-8"
)

var contentType = url.QueryEscape("application/json")

type batchChunk struct {
	Body       string            `json:"body"`
	Properties map[string]string `json:"properties"`
}

// flushFunc receives one closed batch payload and the half-open record
// index range [start, start+count) it covers.
type flushFunc func(ctx context.Context, payload []byte, start, count int) error

// packRecords encodes records one by one and greedily accumulates them
// into JSON array payloads that stay under maxBytes, flushing the
// current payload as soon as the next chunk would overflow it. The
// emitted ranges partition the input contiguously and in order. A chunk
// that alone exceeds maxBytes is still flushed as a batch of one rather
// than split. The final payload is always flushed, even for an empty
// input.
func packRecords(ctx context.Context, records []model.TelemetryRecord, maxBytes int, flush flushFunc) error {
	payload := []byte{'['}
	start, count := 0, 0

	for i := range records {
		chunk, err := encodeRecord(&records[i])
		if err != nil {
			return err
		}

		if len(payload)+len(chunk)+2 >= maxBytes && count > 0 {
			if err := flush(ctx, append(payload, ']'), start, count); err != nil {
				return err
			}
			payload = []byte{'['}
			start += count
			count = 0
		}

		if count > 0 {
			payload = append(payload, ',')
		}
		payload = append(payload, chunk...)
		count++
	}

	return flush(ctx, append(payload, ']'), start, count)
}

// encodeRecord wraps one record as its batch array element: the fields
// serialized as JSON and base64 encoded, plus the record's properties
// merged with the fixed content markers. The markers win on collision.
func encodeRecord(record *model.TelemetryRecord) ([]byte, error) {
	body, err := json.Marshal(record.Fields)
	if err != nil {
		return nil, fmt.Errorf(errWrappedFmt, errJSONMarshal, err.Error())
	}

	properties := make(map[string]string, len(record.Properties)+2)
	for k, v := range record.Properties {
		properties[k] = v
	}
	properties[contentTypeProperty] = contentType
	properties[contentEncodingProperty] = contentEncoding

	return json.Marshal(batchChunk{
		Body:       base64.StdEncoding.EncodeToString(body),
		Properties: properties,
	})
}

// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package boltnode

import (
	"bytes"
	"encoding/gob"

	"github.com/featurebasedb/persist"
)

func encodeRow(row persist.Row) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]interface{}(row)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRow(b []byte) (persist.Row, error) {
	var m map[string]interface{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	return persist.Row(m), nil
}
